package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/brickingsoft/riotls"
	"github.com/brickingsoft/riotls/pkg/certs"
	"github.com/brickingsoft/riotls/security"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger := zap.NewNop()

	securityFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML file with the TLS options",
		},
		&cli.StringFlag{
			Name:  "private-key-file",
			Usage: "PEM private key of this endpoint",
		},
		&cli.StringFlag{
			Name:  "cert-chain-file",
			Usage: "PEM certificate chain of this endpoint",
		},
		&cli.BoolFlag{
			Name:  "verify-peer",
			Usage: "Require and verify the peer certificate",
		},
		&cli.StringFlag{
			Name:  "cert-auth-file",
			Usage: "PEM bundle of trusted CA certificates",
		},
		&cli.StringFlag{
			Name:  "server-name",
			Usage: "Server name sent in the SNI extension",
		},
		&cli.StringFlag{
			Name:  "min-version",
			Usage: "Lowest TLS version, e.g. 1.2",
		},
		&cli.StringFlag{
			Name:  "max-version",
			Usage: "Highest TLS version, e.g. 1.3",
		},
		&cli.StringSliceFlag{
			Name:  "cipher-suites",
			Usage: "Cipher suite names",
		},
		&cli.DurationFlag{
			Name:  "handshake-timeout",
			Usage: "Abort handshakes that take longer",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics on this address",
		},
	}

	app := &cli.App{
		Name:  "riotls",
		Usage: "TLS endpoints with a scriptable peer verification policy",
		Flags: []cli.Flag{
			&cli.GenericFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set the log level",
				Value:   fromLogLevel(zapcore.InfoLevel),
			},
		},
		Before: func(c *cli.Context) (err error) {
			config := zap.NewDevelopmentConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.Level(*c.Generic("log-level").(*logLevelFlag)))
			logger, err = config.Build()
			return
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Accept TLS connections and echo what peers send",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Address to listen on",
						Value: "127.0.0.1:9443",
					},
				}, securityFlags...),
				Action: func(c *cli.Context) error {
					return serve(c, logger)
				},
			},
			{
				Name:  "connect",
				Usage: "Dial a TLS endpoint, send a message and print the reply",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Usage: "Address to dial",
						Value: "127.0.0.1:9443",
					},
					&cli.StringFlag{
						Name:  "message",
						Usage: "Message sent once the handshake completed",
						Value: "hello",
					},
				}, securityFlags...),
				Action: func(c *cli.Context) error {
					return connect(c, logger)
				},
			},
			{
				Name:  "gencert",
				Usage: "Write a CA with a server and a client certificate",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "Output directory",
						Value: "certs",
					},
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "DNS name or IP of the server certificate",
						Value: cli.NewStringSlice("localhost", "127.0.0.1"),
					},
				},
				Action: gencert,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("Failed to run application", zap.Error(err))
		os.Exit(1)
	}
}

func serve(c *cli.Context, logger *zap.Logger) error {
	config, err := securityConfig(c)
	if err != nil {
		return err
	}
	r, err := newReactor(c, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	ln, err := r.Listen("tcp", c.String("listen"), func(conn riotls.Connection) riotls.Handler {
		log := logger.With(zap.Stringer("remote", conn.RemoteAddr()))
		return &riotls.HandlerFuncs{
			Connected: func(conn riotls.Connection) {
				if err := conn.StartTLS(config); err != nil {
					log.Warn("Failed to start TLS", zap.Error(err))
					conn.Close()
				}
			},
			HandshakeCompleted: func(conn riotls.Connection) {
				state, _ := conn.ConnectionState()
				log.Info("Handshake completed", zap.Int("peer_certificates", len(state.PeerCertificates)))
			},
			Receive: func(conn riotls.Connection, p []byte) {
				conn.Write(p)
			},
			Error: func(conn riotls.Connection, err error) {
				log.Warn("Verify peer callback failed", zap.Error(err))
			},
			Closed: func(conn riotls.Connection, cause error) {
				log.Info("Connection closed", zap.Error(cause))
			},
		}
	})
	if err != nil {
		return err
	}
	logger.Info("Listening", zap.Stringer("addr", ln.Addr()))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func connect(c *cli.Context, logger *zap.Logger) error {
	config, err := securityConfig(c)
	if err != nil {
		return err
	}
	r, err := newReactor(c, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	message := []byte(c.String("message"))
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	handler := &riotls.HandlerFuncs{
		Connected: func(conn riotls.Connection) {
			if err := conn.StartTLS(config); err != nil {
				finish(err)
				conn.Close()
			}
		},
		HandshakeCompleted: func(conn riotls.Connection) {
			conn.Write(message)
		},
		Receive: func(conn riotls.Connection, p []byte) {
			fmt.Println(string(p))
			conn.Close()
		},
		Closed: func(conn riotls.Connection, cause error) {
			finish(cause)
		},
	}
	r.Dial("tcp", c.String("address"), handler).OnComplete(func(ctx context.Context, conn riotls.Connection, err error) {
		if err != nil {
			finish(err)
		}
	})

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func gencert(c *cli.Context) error {
	out := c.String("out")
	ca, err := certs.NewAuthority("riotls ca")
	if err != nil {
		return err
	}
	server, err := ca.Issue("riotls server", c.StringSlice("host")...)
	if err != nil {
		return err
	}
	client, err := ca.Issue("riotls client")
	if err != nil {
		return err
	}
	if err = certs.WriteFile(filepath.Join(out, "ca.pem"), ca.CertificatePEM(), 0o644); err != nil {
		return err
	}
	if err = server.WriteFiles(filepath.Join(out, "server.pem"), filepath.Join(out, "server.key")); err != nil {
		return err
	}
	return client.WriteFiles(filepath.Join(out, "client.pem"), filepath.Join(out, "client.key"))
}

func securityConfig(c *cli.Context) (*security.Config, error) {
	var options []security.Option
	if file := c.String("config"); file != "" {
		loaded, err := security.LoadOptions(file)
		if err != nil {
			return nil, err
		}
		options = append(options, loaded.Apply())
	}
	if c.IsSet("private-key-file") {
		options = append(options, security.WithPrivateKeyFile(c.String("private-key-file")))
	}
	if c.IsSet("cert-chain-file") {
		options = append(options, security.WithCertChainFile(c.String("cert-chain-file")))
	}
	if c.IsSet("verify-peer") {
		options = append(options, security.WithVerifyPeer(c.Bool("verify-peer")))
	}
	if c.IsSet("cert-auth-file") {
		options = append(options, security.WithCertAuthFile(c.String("cert-auth-file")))
	}
	if c.IsSet("server-name") {
		options = append(options, security.WithServerName(c.String("server-name")))
	}
	if c.IsSet("min-version") || c.IsSet("max-version") {
		options = append(options, security.WithVersions(c.String("min-version"), c.String("max-version")))
	}
	if c.IsSet("cipher-suites") {
		options = append(options, security.WithCipherSuites(c.StringSlice("cipher-suites")...))
	}
	return security.NewConfig(options...)
}

func newReactor(c *cli.Context, logger *zap.Logger) (*riotls.Reactor, error) {
	options := []riotls.Option{
		riotls.WithLogger(logger),
		riotls.WithHandshakeTimeout(c.Duration("handshake-timeout")),
	}
	if addr := c.String("metrics-addr"); addr != "" {
		registry := prometheus.NewRegistry()
		options = append(options, riotls.WithMetrics(registry))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}
	return riotls.New(options...)
}

type logLevelFlag zapcore.Level

func fromLogLevel(l zapcore.Level) *logLevelFlag {
	f := logLevelFlag(l)
	return &f
}

func (f *logLevelFlag) Set(value string) error {
	return (*zapcore.Level)(f).UnmarshalText([]byte(value))
}

func (f *logLevelFlag) String() string {
	return (*zapcore.Level)(f).String()
}
