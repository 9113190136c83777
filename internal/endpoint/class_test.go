package endpoint

import (
	"testing"
	"time"

	"github.com/steamvet/steamvet/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		url      string
		expected Class
	}{
		{"https://api.steampowered.com/IPlayerService/GetSteamLevel/v1/?steamid=1", SteamLevel},
		{"https://api.steampowered.com/IPlayerService/GetAnimatedAvatar/v1/?steamid=1", AnimatedAvatar},
		{"https://api.steampowered.com/IPlayerService/GetAvatarFrame/v1/?steamid=1", AvatarFrame},
		{"https://api.steampowered.com/IPlayerService/GetMiniProfileBackground/v1/?steamid=1", MiniProfileBackground},
		{"https://api.steampowered.com/IPlayerService/GetProfileBackground/v1/?steamid=1", ProfileBackground},
		{"https://api.steampowered.com/ISteamUser/GetFriendList/v1/?steamid=1", Friends},
		{"https://steamcommunity.com/inventory/1/730/2?l=english&count=100", Inventory},
		{"https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v2/", Other},
	}

	for _, tc := range cases {
		if got := Classify(tc.url); got != tc.expected {
			t.Errorf("Classify(%q) = %s, expected %s", tc.url, got, tc.expected)
		}
	}
}

func TestTimeout(t *testing.T) {
	if Inventory.Timeout() != 25*time.Second {
		t.Errorf("inventory timeout = %s", Inventory.Timeout())
	}
	if SteamLevel.Timeout() != 15*time.Second {
		t.Errorf("steam level timeout = %s", SteamLevel.Timeout())
	}
}

func TestForCheck_CoversAllChecks(t *testing.T) {
	for _, check := range domain.AllChecks {
		if class := ForCheck(check); class == Other {
			t.Errorf("ForCheck(%s) fell through to Other", check)
		}
	}
	if ForCheck("bogus") != Other {
		t.Error("unknown check should map to Other")
	}
}

func TestAll_ExcludesOther(t *testing.T) {
	for _, class := range All {
		if class == Other {
			t.Error("All must not include Other")
		}
	}
	if len(All) != 7 {
		t.Errorf("expected 7 classes, got %d", len(All))
	}
}
