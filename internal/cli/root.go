// Package cli is the s3console command line. Every command talks to one
// storage endpoint with the session stored by "s3console login".
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"s3console/internal/console"
	"s3console/internal/credentials"
	"s3console/internal/session"
	"s3console/internal/sigv4"
	"s3console/internal/transport"
	"s3console/internal/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "S3CONSOLE"
	configName     = ".s3console"
	sessionDirName = ".s3console"
)

var errNotSignedIn = errors.New("not signed in, run \"s3console login\" first")

// reportedError is an error the user has already been told about through
// the console's notifier.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// reported reports whether err reached the user through the notifier.
func reported(err error) bool {
	var (
		svcErr *console.ServiceError
		netErr *console.NetworkError
	)
	return errors.As(err, &svcErr) || errors.As(err, &netErr)
}

// app is the state shared by the commands of one command tree.
type app struct {
	v      *viper.Viper
	logger *slog.Logger

	creds       *credentials.Store
	signer      *sigv4.Signer
	client      *console.Client
	invalidator *session.Invalidator
}

// NewRootCommand builds the command tree. Each tree has its own viper
// instance so trees never share settings.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "s3console",
		Short: "s3console - administer an S3 compatible object store",
		Long: `s3console signs in to an S3 compatible object store and manages its
buckets, objects, bucket policies and users. "s3console serve" runs the
same console in the browser.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("s3console {{.Version}}\n")

	f := root.PersistentFlags()
	f.String("config", "", "Config file (default $HOME/.s3console.yaml)")
	f.String("endpoint", "http://localhost:9000", "Storage endpoint URL")
	f.String("region", "us-east-1", "Signing region")
	f.String("session-file", "", "Where the session is kept (default $HOME/.s3console/session.yaml)")
	f.String("access-key", "", "Sign with this access key instead of the stored session")
	f.String("secret-key", "", "Secret key for --access-key")
	f.String("log-level", "warn", "Log level: debug, info, warn or error")
	f.String("part-size", "5MiB", "Multipart threshold and part size")
	f.Int("first-part-number", 0, "Number of the first multipart part")
	f.Duration("share-expiry", sigv4.DefaultShareExpiry, "Default lifetime of share links")
	_ = a.v.BindPFlags(f)

	root.AddCommand(
		a.loginCommand(),
		a.logoutCommand(),
		a.whoamiCommand(),
		a.lsCommand(),
		a.mbCommand(),
		a.rbCommand(),
		a.putCommand(),
		a.getCommand(),
		a.rmCommand(),
		a.statCommand(),
		a.mkdirCommand(),
		a.shareCommand(),
		a.policyCommand(),
		a.usersCommand(),
		a.statsCommand(),
		a.serveCommand(),
		versionCommand(),
	)

	return root
}

// Execute runs the command line and prints errors the user has not seen
// yet.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	var quiet *reportedError
	if err != nil && !errors.As(err, &quiet) {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// initConfig loads the config file and environment and sets up logging.
func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if file := NewFlagLoader(cmd, a.v).String("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigName(configName)
		a.v.SetConfigType("yaml")
		if err := a.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	level, err := log.ParseLevel(NewFlagLoader(cmd, a.v).String("log-level"))
	if err != nil {
		return err
	}
	a.logger = slog.New(log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	}))
	return nil
}

func (a *app) sessionFile(flags *FlagLoader) (string, error) {
	if path := flags.String("session-file"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate session file: %w", err)
	}
	return filepath.Join(home, sessionDirName, "session.yaml"), nil
}

// openStore opens the session store and the signer reading from it.
// --access-key replaces the stored session with static credentials.
func (a *app) openStore(cmd *cobra.Command) error {
	flags := NewFlagLoader(cmd, a.v)

	path, err := a.sessionFile(flags)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	a.creds, err = credentials.NewStore(credentials.WithFile(path))
	if err != nil {
		return err
	}

	var provider aws.CredentialsProvider = a.creds
	if ak := flags.String("access-key"); ak != "" {
		provider = awscreds.NewStaticCredentialsProvider(ak, flags.String("secret-key"), "")
	}

	a.signer = sigv4.NewSigner(
		sigv4.WithEndpoint(flags.String("endpoint")),
		sigv4.WithRegion(flags.String("region")),
		sigv4.WithCredentials(provider),
	)
	return nil
}

// newClient creates a console client for the open store.
func (a *app) newClient(notifier console.Notifier, invalidator *session.Invalidator, reg prometheus.Registerer) *console.Client {
	var opts []transport.Option
	if reg != nil {
		opts = append(opts, transport.WithMetrics(transport.NewMetrics(reg)))
	}
	return console.New(a.signer, a.creds,
		console.WithTransport(transport.NewClient(opts...)),
		console.WithNotifier(notifier),
		console.WithInvalidator(invalidator),
		console.WithLogger(a.logger),
	)
}

// connect prepares the client the terminal commands use. An invalidated
// session is cleared at once and the user is told to sign in again.
func (a *app) connect(cmd *cobra.Command) error {
	if err := a.openStore(cmd); err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	a.invalidator = session.NewInvalidator(a.creds, func() {
		fmt.Fprintln(errOut, "Session ended. Run \"s3console login\" to sign in again.")
	}, session.WithDelay(0), session.WithLogger(a.logger))

	notifier := console.NotifierFunc(func(ctx context.Context, message string) {
		fmt.Fprintln(errOut, "Error:", message)
	})
	a.client = a.newClient(notifier, a.invalidator, nil)
	return nil
}

// signedIn reports whether requests can be signed without a login.
func (a *app) signedIn(cmd *cobra.Command) bool {
	return NewFlagLoader(cmd, a.v).String("access-key") != "" || a.creds.Credentials().HasKeys()
}

// action wraps a command that talks to the store. It waits for a pending
// session invalidation before returning so its message is never lost.
func (a *app) action(needSession bool, fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.connect(cmd); err != nil {
			return err
		}
		defer a.invalidator.Wait()

		if needSession && !a.signedIn(cmd) {
			return errNotSignedIn
		}

		err := fn(cmd.Context(), cmd, args)
		if err != nil && reported(err) {
			return &reportedError{err: err}
		}
		return err
	}
}

// uploader creates an orchestrator configured from the flags.
func (a *app) uploader(cmd *cobra.Command, client *console.Client, opts ...upload.Option) (*upload.Orchestrator, error) {
	flags := NewFlagLoader(cmd, a.v)
	partSize, err := flags.Bytes("part-size")
	if err != nil {
		return nil, err
	}
	opts = append([]upload.Option{
		upload.WithPartSize(partSize),
		upload.WithFirstPartNumber(flags.Int("first-part-number")),
		upload.WithLogger(a.logger),
	}, opts...)
	return upload.New(client, opts...), nil
}

// splitPath splits "bucket/key" (an "s3://" scheme is allowed) into its
// parts.
func splitPath(arg string) (bucket string, key string) {
	arg = strings.TrimPrefix(arg, "s3://")
	bucket, key, _ = strings.Cut(arg, "/")
	return bucket, key
}

func requireBucket(arg string) (string, string, error) {
	bucket, key := splitPath(arg)
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", arg)
	}
	return bucket, key, nil
}

func requireKey(arg string) (string, string, error) {
	bucket, key, err := requireBucket(arg)
	if err != nil {
		return "", "", err
	}
	if key == "" {
		return "", "", fmt.Errorf("missing object key in %q", arg)
	}
	return bucket, key, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
