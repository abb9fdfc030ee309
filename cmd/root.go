/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/blacktop/sitepost/internal/accessgate"
	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/contentrepo"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/opengraph"
	"github.com/blacktop/sitepost/internal/publish"
	"github.com/blacktop/sitepost/internal/server"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/blacktop/sitepost/internal/sitepost/bluesky"
	"github.com/blacktop/sitepost/internal/sitepost/mastodon"
	"github.com/blacktop/sitepost/internal/sitepost/twitter"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	envFile    string
	addrFlag   string

	cfg *config.Config
)

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitepost",
		Short: "Publish to a GitHub-backed site and cross-post",
		Long: "sitepost writes microblog entries and queued photos into a static site repository on GitHub " +
			"and cross-posts them to Bluesky, Mastodon and X.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logutil.SetVerbose(verbose)
			if cmd.Name() == "completion" || cmd.HasParent() && cmd.Parent().Name() == "completion" {
				return nil
			}
			loaded, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file to load first")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newCompletionCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin form and publish endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addrFlag != "" {
				cfg.Addr = addrFlag
			}
			if missing := cfg.Missing(); len(missing) > 0 {
				logutil.Warnf("missing settings %v: publish requests will fail", missing)
			}
			publisher, err := buildPublisher(cfg)
			if err != nil {
				return err
			}
			return server.New(cfg, accessgate.New(cfg.Access), publisher).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "Listen address (overrides SITEPOST_ADDR)")
	return cmd
}

func buildPublisher(cfg *config.Config) (*publish.Publisher, error) {
	repo, err := contentrepo.New(cfg.GitHub, contentrepo.Options{})
	if err != nil {
		return nil, err
	}
	return publish.New(cfg, repo, buildPosters(cfg)...), nil
}

// buildPosters constructs every network client. A client that cannot be
// built is replaced by a stand-in that reports why when it is asked to post.
func buildPosters(cfg *config.Config) []sitepost.Poster {
	constructors := []struct {
		network string
		build   func() (sitepost.Poster, error)
	}{
		{sitepost.NetworkBluesky, func() (sitepost.Poster, error) { return bluesky.New(cfg.Bluesky, opengraph.New()) }},
		{sitepost.NetworkMastodon, func() (sitepost.Poster, error) { return mastodon.New(cfg.Mastodon) }},
		{sitepost.NetworkX, func() (sitepost.Poster, error) { return twitter.New(cfg.X) }},
	}

	posters := make([]sitepost.Poster, 0, len(constructors))
	for _, c := range constructors {
		poster, err := c.build()
		if err != nil {
			var missing sitepost.MissingEnvError
			if !errors.As(err, &missing) {
				logutil.Warnf("%s client unavailable: %v", c.network, err)
			}
			posters = append(posters, sitepost.Unavailable{Network: c.network, Err: err})
			continue
		}
		posters = append(posters, poster)
	}
	return posters
}
