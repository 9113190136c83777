package cmd

// Version is the steamvet release version, overridable at build time with
// -ldflags "-X github.com/steamvet/steamvet/internal/cmd.Version=...".
var Version = "0.3.0"
