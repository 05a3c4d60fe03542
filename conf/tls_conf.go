package conf

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

type TlsConf struct {
	Enabled              bool   `help:"is TLS enabled?" default:"false"`
	ServerCertFile       string `help:"path to tls server certificate file in pem format"`
	ServerPrivateKeyFile string `help:"path to tls server private key file in pem format"`
	ClientCertFile       string `help:"path to tls client certificate file in pem format"`
	ClientAuthType       string `help:"client certificate authentication mode. one of: no-client-cert, request-client-cert, require-any-client-cert, verify-client-cert-if-given, require-and-verify-client-cert"`
}

func (t *TlsConf) ToGoTlsConf() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	kp, err := createKeyPair(t.ServerCertFile, t.ServerPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{kp}
	if t.ClientCertFile != "" {
		clCerts, err := os.ReadFile(t.ClientCertFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(clCerts); !ok {
			return nil, errors.Errorf("failed to append client certs - is pem file invalid?")
		}
		tlsConfig.ClientCAs = certPool
		var clAuthType tls.ClientAuthType
		if t.ClientAuthType == "" {
			clAuthType = tls.RequireAndVerifyClientCert
		} else {
			var ok bool
			clAuthType, ok = clientAuthMapping[t.ClientAuthType]
			if !ok {
				return nil, errors.Errorf("tls client auth type configuration is invalid: '%s'", t.ClientAuthType)
			}
		}
		tlsConfig.ClientAuth = clAuthType
	} else {
		tlsConfig.ClientAuth = tls.NoClientCert
	}
	return tlsConfig, nil
}

var clientAuthMapping = map[string]tls.ClientAuthType{
	"no-client-cert":                 tls.NoClientCert,
	"request-client-cert":            tls.RequestClientCert,
	"require-any-client-cert":        tls.RequireAnyClientCert,
	"verify-client-cert-if-given":    tls.VerifyClientCertIfGiven,
	"require-and-verify-client-cert": tls.RequireAndVerifyClientCert,
}

type ClientTlsConf struct {
	Enabled          bool   `help:"is client TLS enabled?" default:"false"`
	TrustedCertsPath string `help:"path to a pem encoded file containing certificate(s) of trusted servers and/or certificate authorities"`
	CertFile         string `help:"path to tls client certificate file in pem format. required with TLS client authentication"`
	PrivateKeyFile   string `help:"path to tls client private key file in pem format. required with TLS client authentication"`
	NoVerify         bool   `help:"set to true to disable server certificate verification. WARNING use only for testing"`
}

func (c *ClientTlsConf) ToGoTlsConf() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion: tls.VersionTLS12,
	}
	if c.TrustedCertsPath != "" {
		rootCerts, err := os.ReadFile(c.TrustedCertsPath)
		if err != nil {
			return nil, err
		}
		rootCertPool := x509.NewCertPool()
		if ok := rootCertPool.AppendCertsFromPEM(rootCerts); !ok {
			return nil, errors.Errorf("failed to append root certs PEM (invalid PEM block?)")
		}
		tlsConfig.RootCAs = rootCertPool
	}
	if c.CertFile != "" {
		kp, err := createKeyPair(c.CertFile, c.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	if c.NoVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig, nil
}

func createKeyPair(certPath string, keyPath string) (tls.Certificate, error) {
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return keyPair, nil
}
