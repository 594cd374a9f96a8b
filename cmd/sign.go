package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storefront-agent/internal/auth"
	"storefront-agent/internal/config"
	"storefront-agent/internal/integrations/paramstore"
)

type signOptions struct {
	params    []string
	body      string
	bodyFile  string
	mode      string
	timestamp bool
}

func newSignCmd(configPath *string) *cobra.Command {
	opts := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a request the way the storefront proxy does",
		Long: "Computes the signature for the given parameters and body with the configured shared secret.\n" +
			"Query mode prints the signed query string; header mode prints the headers to send.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			secret, err := signingSecret(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			body := []byte(opts.body)
			if opts.bodyFile != "" {
				if body, err = os.ReadFile(opts.bodyFile); err != nil {
					return fmt.Errorf("read body: %w", err)
				}
			}
			return runSign(cmd.OutOrStdout(), secret, opts, body, time.Now)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "query parameter as key=value; repeatable")
	cmd.Flags().StringVar(&opts.body, "body", "", "raw request body")
	cmd.Flags().StringVar(&opts.bodyFile, "body-file", "", "read the raw request body from a file")
	cmd.Flags().StringVar(&opts.mode, "mode", "query", "signature transport: query or header")
	cmd.Flags().BoolVar(&opts.timestamp, "timestamp", true, "include the current unix time")
	return cmd
}

func signingSecret(ctx context.Context, cfg config.Config) (*auth.Secret, error) {
	prefix := strings.TrimRight(strings.TrimSpace(cfg.AWS.ParamPrefix), "/")
	var params paramstore.Getter = paramstore.Static{}
	if cfg.Proxy.SharedSecret == "" && prefix != "" {
		clients := &awsClients{ctx: ctx}
		p, err := clients.params()
		if err != nil {
			return nil, err
		}
		params = p
	}
	return loadSecret(ctx, cfg.Proxy.SharedSecret, params, prefix)
}

func runSign(w io.Writer, secret *auth.Secret, opts *signOptions, body []byte, now func() time.Time) error {
	mode, err := parseMode(opts.mode)
	if err != nil {
		return err
	}
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	ts := ""
	if opts.timestamp {
		ts = strconv.FormatInt(now().Unix(), 10)
		params.Set("timestamp", ts)
	}

	sig, err := auth.Sign(secret, params, body, mode)
	if err != nil {
		return err
	}

	if mode == auth.ModeHeader {
		fmt.Fprintf(w, "X-Signature: %s\n", sig)
		if ts != "" {
			fmt.Fprintf(w, "X-Timestamp: %s\n", ts)
		}
		return nil
	}
	params.Set("signature", sig)
	fmt.Fprintln(w, params.Encode())
	return nil
}

func parseMode(s string) (auth.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "query":
		return auth.ModeQuery, nil
	case "header":
		return auth.ModeHeader, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: want query or header", s)
	}
}

func parseParams(pairs []string) (url.Values, error) {
	params := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", p)
		}
		if auth.IsSignatureField(k) {
			return nil, fmt.Errorf("param %q carries a signature and cannot be signed", k)
		}
		params.Add(k, v)
	}
	return params, nil
}
