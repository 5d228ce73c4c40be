package cloud

import (
	"bytes"
	"encoding/base64"
	"strings"
	"text/template"
)

var userDataTemplate = template.Must(template.New("user-data").Parse(`#!/bin/bash
set -e

if ! command -v docker > /dev/null 2>&1; then
  curl -fsSL https://get.docker.com | sh
fi

mkdir -p /etc/docker/tls
chmod 700 /etc/docker/tls
cat > /etc/docker/tls/ca.pem <<'PEM'
{{ .CACert }}
PEM
cat > /etc/docker/tls/server-cert.pem <<'PEM'
{{ .ServerCert }}
PEM
cat > /etc/docker/tls/server-key.pem <<'PEM'
{{ .ServerKey }}
PEM
chmod 600 /etc/docker/tls/server-key.pem

mkdir -p /etc/systemd/system/docker.service.d
cat > /etc/systemd/system/docker.service.d/override.conf <<'EOF'
[Service]
ExecStart=
ExecStart=/usr/bin/dockerd -H unix:///var/run/docker.sock -H tcp://0.0.0.0:{{ .DockerPort }} --tlsverify --tlscacert=/etc/docker/tls/ca.pem --tlscert=/etc/docker/tls/server-cert.pem --tlskey=/etc/docker/tls/server-key.pem
EOF

systemctl daemon-reload
systemctl enable docker
systemctl restart docker

while ! docker info > /dev/null 2>&1; do
  sleep 2
done
{{ range .Images }}
docker pull {{ . }} || true
{{- end }}
`))

type UserDataConfig struct {
	DockerPort int
	// PEM material for the daemon's --tlsverify setup.
	CACert     []byte
	ServerCert []byte
	ServerKey  []byte
	Images     []string
}

// UserData renders the cloud-init script that prepares a lab VM and returns
// it base64 encoded as the API expects. The daemon only accepts clients with
// a certificate signed by CACert.
func UserData(cfg UserDataConfig) (string, error) {
	var buf bytes.Buffer
	err := userDataTemplate.Execute(&buf, struct {
		DockerPort int
		CACert     string
		ServerCert string
		ServerKey  string
		Images     []string
	}{
		DockerPort: cfg.DockerPort,
		CACert:     strings.TrimSpace(string(cfg.CACert)),
		ServerCert: strings.TrimSpace(string(cfg.ServerCert)),
		ServerKey:  strings.TrimSpace(string(cfg.ServerKey)),
		Images:     cfg.Images,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
