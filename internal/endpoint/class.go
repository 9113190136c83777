// Package endpoint classifies upstream URLs into rate-limit equivalence
// classes. The upstream provider throttles per endpoint, so cooldown state
// is tracked per (connection, class) cell rather than per URL.
package endpoint

import (
	"strings"
	"time"

	"github.com/steamvet/steamvet/internal/domain"
)

// Class is an equivalence class of upstream URLs sharing rate-limit state.
type Class string

const (
	AnimatedAvatar        Class = "animated_avatar"
	AvatarFrame           Class = "avatar_frame"
	MiniProfileBackground Class = "mini_profile_background"
	ProfileBackground     Class = "profile_background"
	SteamLevel            Class = "steam_level"
	Friends               Class = "friends"
	Inventory             Class = "inventory"
	Other                 Class = "other"
)

// All lists every class except Other, in a stable order for status output.
var All = []Class{
	AnimatedAvatar,
	AvatarFrame,
	MiniProfileBackground,
	ProfileBackground,
	SteamLevel,
	Friends,
	Inventory,
}

// classPattern maps a URL substring to its class. First hit wins, so the
// more specific API method names come before the generic "inventory".
var classPatterns = []struct {
	substr string
	class  Class
}{
	{"GetFriendList", Friends},
	{"inventory", Inventory},
	{"GetSteamLevel", SteamLevel},
	{"GetAnimatedAvatar", AnimatedAvatar},
	{"GetAvatarFrame", AvatarFrame},
	{"GetMiniProfileBackground", MiniProfileBackground},
	{"GetProfileBackground", ProfileBackground},
}

// Classify maps an upstream URL to its endpoint class by substring match.
// URLs matching nothing fall into Other.
func Classify(url string) Class {
	for _, p := range classPatterns {
		if strings.Contains(url, p.substr) {
			return p.class
		}
	}
	return Other
}

// Timeout returns the per-dispatch timeout for a class. Inventory bodies
// can be large and slow; everything else is a small JSON response.
func (c Class) Timeout() time.Duration {
	if c == Inventory {
		return 25 * time.Second
	}
	return 15 * time.Second
}

// ForCheck maps a profile check to the endpoint class its dispatch uses.
func ForCheck(check domain.CheckName) Class {
	switch check {
	case domain.CheckAnimatedAvatar:
		return AnimatedAvatar
	case domain.CheckAvatarFrame:
		return AvatarFrame
	case domain.CheckMiniProfileBackground:
		return MiniProfileBackground
	case domain.CheckProfileBackground:
		return ProfileBackground
	case domain.CheckSteamLevel:
		return SteamLevel
	case domain.CheckFriends:
		return Friends
	case domain.CheckCSGOInventory:
		return Inventory
	}
	return Other
}
