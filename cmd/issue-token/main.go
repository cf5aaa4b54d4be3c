package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/service"
)

// issue-token signs a development token with the configured JWT secret so the
// live endpoints can be exercised without the main exam backend.
func main() {
	var (
		kind        string
		userID      int64
		name        string
		email       string
		permissions string
	)
	flag.StringVar(&kind, "type", "student", "Token type: student or admin")
	flag.Int64Var(&userID, "id", 0, "User ID")
	flag.StringVar(&name, "name", "", "Display name")
	flag.StringVar(&email, "email", "", "Email")
	flag.StringVar(&permissions, "permissions", "", "Comma-separated permissions (admin only); empty grants all")
	flag.Parse()

	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "-id is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	authService := service.NewAuthService(cfg)

	tokenType := service.TokenType(kind)
	var perms []string
	switch tokenType {
	case service.TokenTypeStudent:
	case service.TokenTypeAdmin:
		perms = parsePermissions(permissions)
	default:
		fmt.Fprintf(os.Stderr, "unknown token type %q\n", kind)
		os.Exit(2)
	}

	token, err := authService.IssueToken(tokenType, userID, name, email, perms)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func parsePermissions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{
			string(model.PermissionExamsMonitor),
			string(model.PermissionExamsControl),
			string(model.PermissionSystemBroadcast),
			string(model.PermissionSystemRead),
		}
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
