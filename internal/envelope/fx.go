package envelope

import (
	"fmt"
	"os"
	"strings"

	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
)

// NewFromConfig builds a key ring from the DECRYPT_KEY_FILES list
// ("keyID=/path/to/key.pem[,keyID2=/path2.pem]").
func NewFromConfig(cfg config.Config) (Decryptor, error) {
	ring := NewKeyRing()
	if cfg.DecryptKeyFiles == "" {
		return ring, nil
	}
	for _, entry := range strings.Split(cfg.DecryptKeyFiles, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		keyID, path, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("envelope: malformed key entry %q", entry)
		}
		pemBytes, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("envelope: read key %q: %w", keyID, err)
		}
		if err := ring.AddPEM(strings.TrimSpace(keyID), pemBytes); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

var Module = fx.Module("envelope",
	fx.Provide(NewFromConfig),
)
