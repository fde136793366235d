// Package activation implements the device activation exchange against the
// authority. Activation is a four-step state machine; each step has its own
// terminal error so an operator can tell a bad key from an empty budget from
// a consumption that may or may not have spent a token.
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/camhub/camdeploy/internal/report"
)

// AuthorityURL is the fixed activation authority endpoint. It is not
// operator-configurable; devices are provisioned against exactly one
// authority.
const AuthorityURL = "https://devices.camhub.io"

const requestTimeout = 20 * time.Second

// Terminal errors, one per protocol step. Each carries the concrete next
// action for the operator.
var (
	ErrDeviceNotFound = errors.New("device not found: verify the device key, or provision the device in the authority's device registry")
	ErrInvalidToken   = errors.New("invalid token: the supplied token code does not match the device record")
	ErrNoActivations  = errors.New("no activations remaining: top up the device's budget via the authority's admin endpoint (POST /api/devices/{key}/activations)")
	ErrConsumeFailed  = errors.New("activation consumption failed: the authority may or may not have decremented the budget; re-run activation or check the device record before retrying")
)

// Device is the authority's device record.
type Device struct {
	DeviceKey            string `json:"device_key"`
	TokenCode            string `json:"token_code"`
	RemainingActivations int    `json:"remaining_activations"`
}

// FlashResponse is the result of a successful consumption call.
type FlashResponse struct {
	RemainingActivations int `json:"remaining_activations"`
}

// Result reports a completed activation for configuration persistence.
type Result struct {
	DeviceKey string
	TokenCode string
	Authority string
	Remaining int
}

// Client talks to the activation authority.
type Client struct {
	logger *slog.Logger
	rep    *report.Printer
	http   *http.Client

	// authority is overridable in tests; production always uses AuthorityURL.
	authority string
}

// NewClient creates an activation Client against the fixed authority.
func NewClient(logger *slog.Logger, rep *report.Printer) *Client {
	return &Client{
		logger:    logger,
		rep:       rep,
		http:      &http.Client{Timeout: requestTimeout},
		authority: AuthorityURL,
	}
}

func (c *Client) deviceURL(deviceKey string) string {
	return fmt.Sprintf("%s/api/devices/%s", strings.TrimRight(c.authority, "/"), deviceKey)
}

// lookup fetches the device record (step 1).
func (c *Client) lookup(ctx context.Context, deviceKey string) (*Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.deviceURL(deviceKey), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w (lookup failed: %v)", ErrDeviceNotFound, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("device lookup rejected", "status", resp.StatusCode, "device_key", deviceKey)
		return nil, ErrDeviceNotFound
	}

	var dev Device
	if err := json.NewDecoder(resp.Body).Decode(&dev); err != nil {
		return nil, fmt.Errorf("%w (malformed device record: %v)", ErrDeviceNotFound, err)
	}
	return &dev, nil
}

// consume POSTs the flash-request (step 4).
func (c *Client) consume(ctx context.Context, deviceKey string) (*FlashResponse, error) {
	url := c.deviceURL(deviceKey) + "/flash-request"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrConsumeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("flash-request rejected", "status", resp.StatusCode, "device_key", deviceKey)
		return nil, ErrConsumeFailed
	}

	var flash FlashResponse
	if err := json.NewDecoder(resp.Body).Decode(&flash); err != nil {
		return nil, fmt.Errorf("%w (malformed response: %v)", ErrConsumeFailed, err)
	}
	return &flash, nil
}

// Activate runs the full four-step exchange: lookup, verify, balance check,
// consume. A token mismatch at step 2 makes no further network call, so a
// wrong token never spends budget. Credentials are returned only after step 4
// succeeds; the caller persists them.
func (c *Client) Activate(ctx context.Context, deviceKey, tokenCode string) (*Result, error) {
	c.rep.Step("activating device %s", deviceKey)

	dev, err := c.lookup(ctx, deviceKey)
	if err != nil {
		return nil, err
	}

	if dev.TokenCode != tokenCode {
		return nil, ErrInvalidToken
	}

	if dev.RemainingActivations <= 0 {
		return nil, ErrNoActivations
	}
	c.rep.Info("device verified, %d activation(s) remaining", dev.RemainingActivations)

	flash, err := c.consume(ctx, deviceKey)
	if err != nil {
		return nil, err
	}

	c.rep.Success("device activated, %d activation(s) left", flash.RemainingActivations)
	return &Result{
		DeviceKey: deviceKey,
		TokenCode: tokenCode,
		Authority: c.authority,
		Remaining: flash.RemainingActivations,
	}, nil
}

// Reverify re-runs steps 1 and 2 only. Repair uses it to confirm stored
// credentials still match the authority without spending a token.
func (c *Client) Reverify(ctx context.Context, deviceKey, tokenCode string) error {
	dev, err := c.lookup(ctx, deviceKey)
	if err != nil {
		return err
	}
	if dev.TokenCode != tokenCode {
		return ErrInvalidToken
	}
	return nil
}
