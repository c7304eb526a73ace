// Package browser drives Chromium over the DevTools protocol.
//
// The rest of humanbrowse only sees the Page interface; the go-rod
// implementation and the shared browser connection live here.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Page is one tab inside an isolated browser context. Every blocking call
// honours ctx and the driver's per-action timeout.
type Page interface {
	// Navigate loads url and waits for waitUntil: "" or "load",
	// "domcontentloaded", "networkidle", or "commit".
	Navigate(ctx context.Context, url, waitUntil string) error
	WaitForSelector(ctx context.Context, selector string) error
	WaitForText(ctx context.Context, text string) error
	WaitForLoadState(ctx context.Context, state string) error

	Click(ctx context.Context, selector string) error
	ClickText(ctx context.Context, text string) error
	ClickRole(ctx context.Context, role string) error
	// Fill replaces the value of the input matched by selector.
	Fill(ctx context.Context, selector, text string) error
	// PressKey sends a key such as "Enter", "a", or "Control+A".
	PressKey(ctx context.Context, key string) error
	ScrollBy(ctx context.Context, pixels int) error
	ScrollIntoView(ctx context.Context, selector string) error

	// Screenshot returns a PNG of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// URL returns the current address, or "" if it cannot be read.
	URL(ctx context.Context) string
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	Count(ctx context.Context, selector string) (int, error)
	InnerText(ctx context.Context, selector string) (string, error)

	// Close disposes the page and its browser context.
	Close(ctx context.Context) error
}

// Opener creates pages in fresh, isolated browser contexts.
type Opener interface {
	NewPage(ctx context.Context) (Page, error)
}

var (
	// ErrNotConnected is returned when no browser connection is available.
	ErrNotConnected = errors.New("browser not connected")
	// ErrNoEndpoint is returned when no DevTools endpoint answered.
	ErrNoEndpoint = errors.New("no CDP endpoint reachable")
	// ErrPageClosed is returned for calls on a closed page.
	ErrPageClosed = errors.New("page closed")
)

// DriverError wraps a failed page operation.
type DriverError struct {
	Op  string
	Arg string
	Err error
}

func (e *DriverError) Error() string {
	if e.Arg != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Arg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// IsTimeout reports whether the failure was a deadline expiry.
func (e *DriverError) IsTimeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func driverErr(op, arg string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Op: op, Arg: arg, Err: err}
}
