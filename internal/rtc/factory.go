package rtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Factory creates connections that share a DTLS certificate and ICE
// credentials, so any of them can adopt an offer created by another.
type Factory struct {
	params TransportParams
}

func NewFactory(params TransportParams) (*Factory, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, err
	}

	conf := *params.Config
	conf.Configuration.Certificates = []webrtc.Certificate{*cert}
	conf.SettingEngine.SetICECredentials(randomToken(16), randomToken(32))
	params.Config = &conf

	return &Factory{params: params}, nil
}

func (f *Factory) NewPeerConnection() (PeerConnection, error) {
	return NewPCTransport(f.params)
}

// NewPlainFactory creates connections with their own certificates and credentials
func NewPlainFactory(params TransportParams) PeerFactory {
	return plainFactory{params: params}
}

type plainFactory struct {
	params TransportParams
}

func (f plainFactory) NewPeerConnection() (PeerConnection, error) {
	return NewPCTransport(f.params)
}

func randomToken(n int) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token[:n]
}
