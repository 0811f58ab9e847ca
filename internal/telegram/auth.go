package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// ErrSignUpUnsupported is returned when the phone number has no account
var ErrSignUpUnsupported = errors.New("phone number is not registered; sign up with an official client first")

// terminalAuth answers the login flow from configuration and, for what is
// missing, from the terminal
type terminalAuth struct {
	phone    string
	password string
	in       *bufio.Reader
	out      io.Writer
}

func (a *terminalAuth) Phone(ctx context.Context) (string, error) {
	if a.phone != "" {
		return a.phone, nil
	}
	return a.prompt(ctx, "Phone number (international format): ")
}

func (a *terminalAuth) Password(ctx context.Context) (string, error) {
	if a.password != "" {
		return a.password, nil
	}
	return a.prompt(ctx, "Two-step verification password: ")
}

func (a *terminalAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.prompt(ctx, "Login code sent by Telegram: ")
}

func (a *terminalAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return ErrSignUpUnsupported
}

func (a *terminalAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, ErrSignUpUnsupported
}

func (a *terminalAuth) prompt(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, _ = fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return line, nil
}
