package session

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"trading-agentv1/internal/broker"
	"trading-agentv1/internal/model"
	"trading-agentv1/pkg/smartconnect"
)

// AngelAuthenticator logs in to Angel One SmartAPI with password plus a
// freshly generated TOTP code. Every Login builds a brand-new client; old
// sessions are never patched in place.
type AngelAuthenticator struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
}

// Login generates a TOTP code and establishes a new authenticated client.
func (a *AngelAuthenticator) Login() (model.Broker, error) {
	code, err := totp.GenerateCode(a.TOTPSecret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("session: totp generation: %w", err)
	}

	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: a.APIKey})
	if err := sc.GenerateSession(a.ClientCode, a.Password, code); err != nil {
		return nil, fmt.Errorf("session: login: %w", err)
	}
	return broker.NewAngel(sc), nil
}
