package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T) (cert, key string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fleet-broker"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	dir := t.TempDir()
	cert = filepath.Join(dir, "cert.pem")
	key = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), 0o600))
	return cert, key
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key := writeSelfSigned(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: cert}
	tlsCfg, err := cfg.LoadTLSConfig()
	require.NoError(t, err)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)

	cfg.CABundle = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.LoadTLSConfig()
	assert.Error(t, err)
}

func TestNewClientOptions(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://broker:1883", ClientID: "dispatch", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.Equal(t, "dispatch", opts.ClientID)
}

func TestPahoClient_QoS(t *testing.T) {
	f := &fakePaho{}
	stubPaho(t, f)
	cli, err := NewPahoClient(Config{
		Broker:   "tcp://broker:1883",
		ClientID: "dispatch",
		QoS:      map[string]byte{"publish": 2, "subscribe": 1},
	})
	require.NoError(t, err)

	var got string
	require.NoError(t, cli.Subscribe("fleet/failures", func(_ string, p []byte) { got = string(p) }))
	require.NoError(t, cli.Publish("fleet/events/cycle_completed", map[string]string{"outcome": "completed"}))

	require.Len(t, f.subscribed, 1)
	assert.Equal(t, byte(1), f.subscribed[0].qos)
	require.Len(t, f.published, 1)
	assert.Equal(t, byte(2), f.published[0].qos)

	f.handler(nil, message{topic: "fleet/failures", payload: []byte(`{"type":"delivery_failure"}`)})
	assert.Contains(t, got, "delivery_failure")
}

func TestPahoClient_ResubscribeOnConnect(t *testing.T) {
	f := &fakePaho{}
	stubPaho(t, f)
	cli, err := NewPahoClient(Config{Broker: "tcp://broker:1883", ClientID: "dispatch"})
	require.NoError(t, err)
	require.NoError(t, cli.Subscribe("fleet/telemetry/+", func(string, []byte) {}))

	f.subscribed = nil
	f.opts.OnConnect(f)
	require.Len(t, f.subscribed, 1)
	assert.Equal(t, "fleet/telemetry/+", f.subscribed[0].topic)
}

func TestPahoClient_LastWill(t *testing.T) {
	f := &fakePaho{}
	stubPaho(t, f)
	cli, err := NewPahoClient(Config{
		Broker:     "tcp://broker:1883",
		ClientID:   "dispatch",
		LWTTopic:   "fleet/dispatcher/status",
		LWTPayload: "offline",
		LWTQoS:     1,
	})
	require.NoError(t, err)
	assert.True(t, f.opts.WillEnabled)
	assert.Equal(t, "fleet/dispatcher/status", f.opts.WillTopic)
	assert.Equal(t, "offline", string(f.opts.WillPayload))
	cli.Close()
	assert.Empty(t, f.published)
}

func TestPahoClient_Retry(t *testing.T) {
	f := &fakePaho{publishErrs: []error{errors.New("broker unreachable"), nil}}
	stubPaho(t, f)
	cli, err := NewPahoClient(Config{Broker: "tcp://broker:1883", ClientID: "dispatch", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	require.NoError(t, cli.Publish("fleet/events/route_planned", map[string]int{"stops": 2}))
	assert.Len(t, f.published, 2)
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, "fleet/failures", c.FailureTopic)
	assert.Equal(t, "fleet/events", c.EventTopic)
	assert.Equal(t, "fleet/telemetry", c.TelemetryPrefix)
	assert.Equal(t, 3, c.MaxRetries)
	require.NoError(t, c.Validate(), "disabled config is valid")

	c.Enabled = true
	assert.Error(t, c.Validate())
	c.Broker = "tcp://broker:1883"
	assert.NoError(t, c.Validate())
}
