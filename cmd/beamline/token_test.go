package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/beamline-core/internal/auth"
)

func TestRunToken(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "devices.yaml")
	writeFile(t, catalog, "devices: []\n")
	t.Setenv("BEAMLINE_CONFIG", writeConfig(t, dir, catalog, 18393))

	secret := strings.Repeat("s", 32)

	t.Run("no secret", func(t *testing.T) {
		var out bytes.Buffer
		err := runToken([]string{"-subject", "mx-user"}, &out)
		if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
			t.Fatalf("runToken() error = %v, want missing secret", err)
		}
	})

	t.Run("issues observer token", func(t *testing.T) {
		t.Setenv("BEAMLINE_JWT_SECRET", secret)
		var out bytes.Buffer
		if err := runToken([]string{"-subject", "mx-user", "-role", "observer", "-ttl", "1h"}, &out); err != nil {
			t.Fatalf("runToken() error = %v", err)
		}
		claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret)
		if err != nil {
			t.Fatalf("ParseToken: %v", err)
		}
		if claims.Subject != "mx-user" || claims.Role != auth.RoleObserver {
			t.Errorf("claims = %+v", claims)
		}
	})

	t.Run("bad role", func(t *testing.T) {
		t.Setenv("BEAMLINE_JWT_SECRET", secret)
		var out bytes.Buffer
		if err := runToken([]string{"-subject", "mx-user", "-role", "admin"}, &out); err == nil {
			t.Fatal("runToken() accepted unknown role")
		}
	})
}
