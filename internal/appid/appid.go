package appid

import (
	"context"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
)

// builtin is used when no external identity file is configured.
var builtin = appidentity.Identity{
	Vendor:      "quotaguard",
	BinaryName:  "quotaguard",
	EnvPrefix:   "QUOTAGUARD_",
	ConfigName:  "quotaguard",
	Description: "Outbound API governor for rate-limited ads APIs",
}

// Get returns the application identity.
//
// An identity file named by FULMEN_APP_IDENTITY_PATH stays authoritative; the
// built-in identity gives standalone-binary behavior otherwise.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	if strings.TrimSpace(os.Getenv(appidentity.EnvIdentityPath)) != "" {
		return appidentity.Get(ctx)
	}
	identity := builtin
	return &identity, nil
}
