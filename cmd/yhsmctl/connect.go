package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/mockhsm"
	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/session"
	"github.com/shieldkey/yhsm/transport"
)

var errNoPassword = errors.New("yhsmctl: --password (or YHSMCTL_PASSWORD) is required")

// devMockPeer backs the "mock" transport for local testing without
// hardware; a single credential matching --auth-key/--password is
// pre-provisioned against it.
var devMockPeer *mockhsm.Peer

func openSession(ctx context.Context) (*session.Session, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}

	authKeyID := uint16(viper.GetInt("auth-key"))
	password := viper.GetString("password")

	factory := func(ctx context.Context) (transport.Transport, error) {
		switch viper.GetString("transport") {
		case "http":
			return transport.NewHTTP(viper.GetString("host"), viper.GetInt("port")), nil
		case "usb":
			return transport.OpenUSB()
		case "mock":
			return newMockTransport(authKeyID, password)
		default:
			return nil, fmt.Errorf("yhsmctl: unknown transport %q", viper.GetString("transport"))
		}
	}

	slog.Debug("opening session", "transport", viper.GetString("transport"), "auth_key", authKeyID)

	return session.Open(ctx, factory, session.Config{AuthKeyID: authKeyID, Password: password})
}

// newMockTransport lazily provisions a mock device with the requested
// credential, so `--transport mock` works without any prior setup:
// every capability bit is granted, matching a freshly initialized
// device's factory default auth key.
func newMockTransport(authKeyID uint16, password string) (transport.Transport, error) {
	if devMockPeer == nil {
		devMockPeer = mockhsm.NewPeer(1)
	}
	static := hsmcrypto.DeriveStaticKeysFromPassword(password)
	encKey, err := hsmcrypto.NewKey16(static[:hsmcrypto.KeyLength])
	if err != nil {
		return nil, err
	}
	macKey, err := hsmcrypto.NewKey16(static[hsmcrypto.KeyLength:])
	if err != nil {
		return nil, err
	}
	devMockPeer.AddAuthKey(authKeyID, mockhsm.AuthCredential{
		EncKey:       encKey,
		MacKey:       macKey,
		Capabilities: object.Capabilities(^uint64(0)),
		Delegated:    object.Capabilities(^uint64(0)),
	})
	return transport.NewMock(devMockPeer, "dev-mock"), nil
}
