// Package smartconnect is a client for the Angel One SmartAPI: session
// handling, order placement/cancellation, order book and funds queries, plus
// the SmartStream websocket feed (stream.go).
//
// The client mirrors the vendor's route/header conventions. Callers that need
// typed domain values adapt the map payloads at the boundary; see
// internal/broker.
package smartconnect

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRoot    = "https://apiconnect.angelone.in"
	defaultTimeout = 7 * time.Second
)

var routes = map[string]string{
	"api.login":   "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":  "/rest/secure/angelbroking/user/v1/logout",
	"api.token":   "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",

	"api.rms.limit": "/rest/secure/angelbroking/user/v1/getRMS",
}

// APIError is a structured error response from the SmartAPI.
type APIError struct {
	ErrorType string // e.g. "TokenException"
	Code      string // e.g. "AG8001"
	Message   string
	HTTPCode  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi: %s %s: %s", e.ErrorType, e.Code, e.Message)
}

// Config configures a SmartConnect client.
type Config struct {
	APIKey  string
	RootURL string        // default: https://apiconnect.angelone.in
	Timeout time.Duration // default: 7s

	ClientLocalIP  string // resolved from interfaces when empty
	ClientPublicIP string
	ClientMAC      string
}

// SmartConnect is an authenticated SmartAPI HTTP client.
type SmartConnect struct {
	apiKey       string
	rootURL      string
	accessToken  string
	refreshToken string
	feedToken    string
	clientCode   string

	clientLocalIP  string
	clientPublicIP string
	clientMAC      string

	httpClient *http.Client
}

// NewSmartConnect creates an unauthenticated client; call GenerateSession to
// obtain tokens.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIPFallback()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macFallback()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		clientLocalIP:  cfg.ClientLocalIP,
		clientPublicIP: cfg.ClientPublicIP,
		clientMAC:      cfg.ClientMAC,
		httpClient:     &http.Client{Transport: tr, Timeout: cfg.Timeout},
	}
}

func localIPFallback() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func macFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	return h
}

func (sc *SmartConnect) doRequest(method, route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("smartapi: unknown route %q", route)
	}
	reqURL := sc.rootURL + uri

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, _ := json.Marshal(params)
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartapi: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smartapi: read response: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("smartapi: parse response (%d bytes, code %d): %w", len(raw), resp.StatusCode, err)
	}

	// Vendor error style: {"error_type": "TokenException", "errorcode": "AG8001", "message": "..."}
	if et, ok := out["error_type"].(string); ok && et != "" {
		code, _ := out["errorcode"].(string)
		msg, _ := out["message"].(string)
		return out, &APIError{ErrorType: et, Code: code, Message: msg, HTTPCode: resp.StatusCode}
	}
	if st, ok := out["status"].(bool); ok && !st {
		code, _ := out["errorcode"].(string)
		msg, _ := out["message"].(string)
		return out, &APIError{ErrorType: "RequestFailed", Code: code, Message: msg, HTTPCode: resp.StatusCode}
	}
	return out, nil
}

func (sc *SmartConnect) get(route string, params map[string]any) (map[string]any, error) {
	return sc.doRequest(http.MethodGet, route, params)
}

func (sc *SmartConnect) post(route string, params map[string]any) (map[string]any, error) {
	return sc.doRequest(http.MethodPost, route, params)
}

// ── Session ──

// GenerateSession logs in with client code, password and a fresh TOTP code,
// storing the JWT, refresh and feed tokens on the client.
func (sc *SmartConnect) GenerateSession(clientCode, password, totp string) error {
	res, err := sc.post("api.login", map[string]any{
		"clientcode": clientCode, "password": password, "totp": totp,
	})
	if err != nil {
		return err
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return errors.New("smartapi: unexpected login response shape")
	}
	sc.accessToken, _ = data["jwtToken"].(string)
	sc.refreshToken, _ = data["refreshToken"].(string)
	sc.feedToken, _ = data["feedToken"].(string)
	sc.clientCode = clientCode
	if sc.accessToken == "" || sc.feedToken == "" {
		return errors.New("smartapi: login returned empty tokens")
	}
	log.Printf("[smartapi] session established for %s", clientCode)
	return nil
}

// TerminateSession logs the session out.
func (sc *SmartConnect) TerminateSession() error {
	if sc.clientCode == "" {
		return nil
	}
	_, err := sc.post("api.logout", map[string]any{"clientcode": sc.clientCode})
	return err
}

// AccessToken returns the session JWT.
func (sc *SmartConnect) AccessToken() string { return sc.accessToken }

// FeedToken returns the websocket feed token.
func (sc *SmartConnect) FeedToken() string { return sc.feedToken }

// ClientCode returns the logged-in client code.
func (sc *SmartConnect) ClientCode() string { return sc.clientCode }

// ── Orders ──

// PlaceOrder submits an order and returns the broker order id.
func (sc *SmartConnect) PlaceOrder(params map[string]any) (string, error) {
	res, err := sc.post("api.order.place", params)
	if err != nil {
		return "", err
	}
	if data, ok := res["data"].(map[string]any); ok {
		if oid, _ := data["orderid"].(string); oid != "" {
			return oid, nil
		}
	}
	return "", fmt.Errorf("smartapi: place order: missing orderid in response")
}

// CancelOrder cancels an open order.
func (sc *SmartConnect) CancelOrder(orderID, variety string) error {
	_, err := sc.post("api.order.cancel", map[string]any{
		"variety": variety, "orderid": orderID,
	})
	return err
}

// OrderBook returns the raw order book rows.
func (sc *SmartConnect) OrderBook() ([]map[string]any, error) {
	res, err := sc.get("api.order.book", nil)
	if err != nil {
		return nil, err
	}
	return dataRows(res), nil
}

// ── Funds & portfolio ──

// RMSLimit returns the raw risk-management (funds) payload.
func (sc *SmartConnect) RMSLimit() (map[string]any, error) {
	res, err := sc.get("api.rms.limit", nil)
	if err != nil {
		return nil, err
	}
	data, _ := res["data"].(map[string]any)
	return data, nil
}

func dataRows(res map[string]any) []map[string]any {
	raw, ok := res["data"].([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows
}
