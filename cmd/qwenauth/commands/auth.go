package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/qwenauth/internal/app"
	"github.com/florianilch/qwenauth/internal/browser"
	"github.com/florianilch/qwenauth/internal/tokensource"
)

// reloginHint is appended to authentication failures shown to the user.
const reloginHint = "run 'qwenauth auth login' to authenticate"

// authCommand returns the 'auth' subcommand for managing Qwen credentials.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage Qwen credentials",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authStatusCommand(),
			authTokenCommand(),
			authImportCommand(),
		},
	}
}

// authLoginCommand returns the 'auth login' subcommand.
func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Authorize this device with Qwen and save credentials",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "print the verification URL without opening a browser",
			},
		},
		Action: authLoginAction,
	}
}

// authLogoutCommand returns the 'auth logout' subcommand.
func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Remove saved Qwen credentials",
		Action: authLogoutAction,
	}
}

// authStatusCommand returns the 'auth status' subcommand.
func authStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show which credential is in use and when it expires",
		Action: authStatusAction,
	}
}

// authTokenCommand returns the 'auth token' subcommand.
func authTokenCommand() *cli.Command {
	return &cli.Command{
		Name:   "token",
		Usage:  "Print a valid access token, refreshing it if needed",
		Action: authTokenAction,
	}
}

// authImportCommand returns the 'auth import' subcommand.
func authImportCommand() *cli.Command {
	return &cli.Command{
		Name:   "import",
		Usage:  "Exchange an existing refresh token for credentials",
		Action: authImportAction,
	}
}

// authLoginAction runs the device authorization flow.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer closeLogs()

	out := cmd.Root().Writer
	authorizer := cfg.Auth.NewAuthorizer()
	openBrowser := !cmd.Bool("no-browser") && isTerminal(out) && browser.Available()

	_, _ = fmt.Fprintln(out, "=== Qwen OAuth Login ===")

	creds, err := cfg.Auth.NewFlow(authorizer).PerformDeviceAuthFlow(ctx, func(url, userCode string) {
		_, _ = fmt.Fprintf(out, "\n1. Visit this URL in your browser:\n   %s\n\n", url)
		_, _ = fmt.Fprintf(out, "2. Confirm the code: %s\n\n", userCode)
		_, _ = fmt.Fprintln(out, "Waiting for authorization...")

		if openBrowser {
			if err := browser.Open(url); err != nil {
				slog.WarnContext(ctx, "failed to open browser", "error", err)
			}
		}
	}, cfg.Auth.PollInterval, cfg.Auth.Timeout)
	if err != nil {
		return fmt.Errorf("login failed: %w; %s", err, reloginHint)
	}

	broker := cfg.Auth.NewBroker(authorizer)
	if err := broker.Adopt(ctx, creds); err != nil {
		slog.WarnContext(ctx, "credentials saved to file only", "error", err)
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "=== Login Successful ===")
	_, _ = fmt.Fprintf(out, "Credentials saved to %s\n", cfg.Auth.CredentialsPath)
	_, _ = fmt.Fprintf(out, "API base URL: %s\n", creds.BaseURL(cfg.Server.DefaultBaseURL))

	return nil
}

// authLogoutAction clears the credentials file and the host credential.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer closeLogs()

	var errs []error
	if err := cfg.Auth.NewFileStore().Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Auth.NewBroker(cfg.Auth.NewAuthorizer()).Forget(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	out := cmd.Root().Writer
	_, _ = fmt.Fprintln(out, "=== Logout Successful ===")
	_, _ = fmt.Fprintln(out, "Credentials cleared from configured storage")

	return nil
}

// authStatusAction reports the credential in use. Tokens are never printed.
func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer closeLogs()

	out := cmd.Root().Writer
	res, err := cfg.Auth.NewBroker(cfg.Auth.NewAuthorizer()).Resolve(ctx)
	if err != nil {
		if errors.Is(err, tokensource.ErrUnauthenticated) {
			_, _ = fmt.Fprintln(out, "Not authenticated")
		}
		return fmt.Errorf("%w; %s", err, reloginHint)
	}

	writeStatus(out, cfg, res)
	return nil
}

func writeStatus(out io.Writer, cfg *app.Config, res *tokensource.Resolution) {
	expiry := "never"
	if t := res.Credentials.Expiry(); !t.IsZero() {
		expiry = fmt.Sprintf("%s (in %s)", t.Format(time.RFC3339), time.Until(t).Round(time.Second))
	}

	_, _ = fmt.Fprintln(out, "Authenticated")
	_, _ = fmt.Fprintf(out, "  Source:           %s\n", res.Source)
	_, _ = fmt.Fprintf(out, "  Expires:          %s\n", expiry)
	_, _ = fmt.Fprintf(out, "  Refresh token:    %t\n", res.Credentials.RefreshToken != "")
	_, _ = fmt.Fprintf(out, "  API base URL:     %s\n", res.Credentials.BaseURL(cfg.Server.DefaultBaseURL))
	_, _ = fmt.Fprintf(out, "  Credentials file: %s\n", cfg.Auth.CredentialsPath)
}

// authTokenAction prints a valid access token for use in scripts.
func authTokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer closeLogs()

	creds, err := cfg.Auth.NewBroker(cfg.Auth.NewAuthorizer()).Credentials(ctx)
	if err != nil {
		return fmt.Errorf("%w; %s", err, reloginHint)
	}

	_, _ = fmt.Fprintln(cmd.Root().Writer, creds.AccessToken)
	return nil
}

// authImportAction exchanges a refresh token read from stdin for credentials.
func authImportAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer closeLogs()

	refreshToken, err := readSecureInput(ctx, cmd.Root().Writer, os.Stdin, "Enter refresh token: ")
	if err != nil {
		return err
	}
	if refreshToken == "" {
		return errors.New("refresh token cannot be empty")
	}

	authorizer := cfg.Auth.NewAuthorizer()
	creds, err := authorizer.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if err := cfg.Auth.NewFileStore().Save(ctx, creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	if err := cfg.Auth.NewBroker(authorizer).Adopt(ctx, creds); err != nil {
		slog.WarnContext(ctx, "credentials saved to file only", "error", err)
	}

	_, _ = fmt.Fprintf(cmd.Root().Writer, "Credentials saved to %s\n", cfg.Auth.CredentialsPath)
	return nil
}

// readSecureInput reads one line from in, hiding the input when in is a terminal.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, out io.Writer, in *os.File, prompt string) (string, error) {
	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	interactive := term.IsTerminal(int(in.Fd()))
	if interactive {
		_, _ = fmt.Fprint(out, prompt)
		defer func() { _, _ = fmt.Fprintln(out) }()
	}

	go func() {
		if interactive {
			inputBytes, err := term.ReadPassword(int(in.Fd()))
			resultCh <- result{value: string(inputBytes), err: err}
			return
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		resultCh <- result{value: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return strings.TrimSpace(res.value), nil
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
