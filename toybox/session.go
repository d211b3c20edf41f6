package toybox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Authenticate logs in with email and password, connecting first if
// needed. The platform stores some accounts under a username rather
// than an email, so an "User not found" rejection of the email shape is
// retried once with the same identifier in the username slot. Any other
// rejection maps to ErrAuthentication immediately.
func (c *Client) Authenticate(ctx context.Context, email, password string) error {
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	params := loginPassword{
		User:     userCredential{Email: email},
		Password: password,
	}

	err := c.login(ctx, params)

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if !remoteErr.userNotFound() {
			return fmt.Errorf("%w: %s", ErrAuthentication, remoteErr.Error())
		}

		c.logger.Debug("account not found by email, retrying as username")

		params = loginPassword{
			User:     userCredential{Username: email},
			Password: password,
		}

		err = c.login(ctx, params)
		if errors.As(err, &remoteErr) {
			return fmt.Errorf("%w: %s", ErrAuthentication, remoteErr.Error())
		}
	}

	if err != nil {
		return err
	}

	c.sessionMu.Lock()
	c.email = email
	c.password = password
	c.sessionMu.Unlock()

	c.setState(StateAuthenticated)
	c.logger.Info("authenticated", slog.String("user_id", c.UserID()))

	return nil
}

// Resume logs in with a previously issued session token. The server
// rotates resume tokens, so the stored token and user id are refreshed
// from the result.
func (c *Client) Resume(ctx context.Context, token string) error {
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	err := c.login(ctx, loginResume{Resume: token})

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return fmt.Errorf("%w: %s", ErrAuthentication, remoteErr.Error())
	}

	if err != nil {
		return err
	}

	c.setState(StateAuthenticated)
	c.logger.Info("session resumed", slog.String("user_id", c.UserID()))

	return nil
}

// login calls the login method and stores the issued token and user id.
func (c *Client) login(ctx context.Context, params any) error {
	result, err := c.Call(ctx, "login", params)
	if err != nil {
		return err
	}

	token := gjson.GetBytes(result, "token").Str
	userID := gjson.GetBytes(result, "id").Str

	if token == "" {
		return fmt.Errorf("%w: login result missing token", ErrAuthentication)
	}

	c.sessionMu.Lock()
	c.token = token
	c.userID = userID
	c.sessionMu.Unlock()

	return nil
}

// Token returns the current session token, empty before login.
func (c *Client) Token() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	return c.token
}

// UserID returns the authenticated user's id, empty before login.
func (c *Client) UserID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	return c.userID
}

// reconnect rebuilds the session after a drop: fresh connection, empty
// collection store, re-authentication, re-subscription. Serialized so
// concurrent callers trigger a single attempt; late arrivals find the
// session live and return immediately.
func (c *Client) reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.Connected() {
		return nil
	}

	c.logger.Info("reconnecting", slog.String("endpoint", c.endpoint))

	c.teardown()
	c.clearCollections()
	c.setSubscribed(false)

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}

	if err := c.reauthenticate(ctx); err != nil {
		c.teardown()
		return err
	}

	if err := c.Bootstrap(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("resubscribing: %w", err)
	}

	c.logger.Info("session recovered")

	return nil
}

// reauthenticate restores the login on a fresh connection: token resume
// first, password fallback when the token is rejected. With neither a
// token nor stored credentials the session cannot be recovered.
func (c *Client) reauthenticate(ctx context.Context) error {
	c.sessionMu.Lock()
	token := c.token
	email := c.email
	password := c.password
	c.sessionMu.Unlock()

	if token != "" {
		err := c.Resume(ctx, token)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrAuthentication) {
			return err
		}

		c.logger.Warn("resume token rejected", slog.String("error", err.Error()))
	}

	if email == "" || password == "" {
		return ErrSessionExpired
	}

	return c.Authenticate(ctx, email, password)
}
