package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "uwbd", "daemon":
		return daemonTemplate, nil
	case "multichip":
		return multichipTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "uwbd"
addr = ":9300"
cors_origins = ["http://localhost:3000"]
profile_db = "uwbd.db"
default_chip = "uwb0"
min_protocol_version = "1.0"
max_protocol_version = "2.0"
max_sessions = 8
# report_interval = "200ms"
# otlp_endpoint = "http://localhost:4318"
# tls_cert_file = "certs/uwbd.pem"
# tls_key_file = "certs/uwbd-key.pem"
# tls_ca_file = "certs/ca.pem"
# tls_mutual = false
# admin_token = "change-me"

[[chips]]
id = "uwb0"
`

const multichipTemplate = `name = "uwbd"
addr = ":9300"
profile_db = "uwbd.db"
default_chip = "uwb0"

[[chips]]
id = "uwb0"
position = { x = 0.0, y = 0.0, z = 0.0 }

[[chips]]
id = "uwb1"
position = { x = 4.5, y = 0.0, z = 0.0 }
`
