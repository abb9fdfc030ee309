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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/sitepost/internal/publish"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	messageFlag   string
	photoPath     string
	photoCaption  string
	photoLocation string
	photoDate     string
	targetsFlag   []string
	microblog     bool
	photoStream   bool
	includeLink   bool
	attachPhoto   bool
	dryRun        bool
)

var supportedTargets = map[string]string{
	"bluesky":  sitepost.NetworkBluesky,
	"mastodon": sitepost.NetworkMastodon,
	"x":        sitepost.NetworkX,
	"twitter":  sitepost.NetworkX,
}

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish from the terminal",
		Long: "publish runs the same pipeline as the admin endpoint without the access check. " +
			"Provide the message as an argument, with --message, or on stdin.",
		Args: cobra.ArbitraryArgs,
		RunE: runPublish,
		Example: `  sitepost publish "hello world" --target bluesky --link
  sitepost publish --photo ./shot.jpg --caption "Golden hour" --photo-stream --target all --attach
  echo "Release shipped" | sitepost publish --target mastodon`,
	}

	cmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Microblog text")
	cmd.Flags().StringVar(&photoPath, "photo", "", "Path to a photo to queue or attach")
	cmd.Flags().StringVar(&photoCaption, "caption", "", "Photo caption, also used as alt text")
	cmd.Flags().StringVar(&photoLocation, "location", "", "Photo location")
	cmd.Flags().StringVar(&photoDate, "date", "", "Photo date (YYYY-MM-DD, default today)")
	cmd.Flags().StringSliceVarP(&targetsFlag, "target", "t", nil, "Networks to cross-post to (bluesky, mastodon, x, or all)")
	cmd.Flags().BoolVar(&microblog, "microblog", true, "Publish a microblog entry")
	cmd.Flags().BoolVar(&photoStream, "photo-stream", false, "Queue the photo for the photo stream")
	cmd.Flags().BoolVar(&includeLink, "link", false, "Append the permalink to cross-posts")
	cmd.Flags().BoolVar(&attachPhoto, "attach", false, "Attach the photo to cross-posts")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print actions without publishing")
	cmd.Flags().SortFlags = false

	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	message, err := resolveMessage(cmd, args)
	if err != nil {
		return err
	}

	targets, err := normalizeTargets(targetsFlag)
	if err != nil {
		return err
	}

	req := publish.Request{
		PublishMicroblog:    microblog,
		PublishPhotoStream:  photoStream,
		IncludePermalink:    includeLink,
		AttachPhotoToSocial: attachPhoto,
		MicroText:           message,
		PhotoCaption:        photoCaption,
		PhotoLocation:       photoLocation,
		PhotoDate:           photoDate,
	}
	for _, target := range targets {
		switch target {
		case sitepost.NetworkBluesky:
			req.PostToBluesky = true
		case sitepost.NetworkMastodon:
			req.PostToMastodon = true
		case sitepost.NetworkX:
			req.PostToX = true
		}
	}

	if photoPath != "" {
		photo, err := readPhotoFile(photoPath)
		if err != nil {
			return err
		}
		req.Photo = photo
	}

	if dryRun {
		describe(cmd.OutOrStdout(), req, targets)
		return nil
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	res, err := publisher.Publish(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}

	if len(res.CrosspostErrors) > 0 {
		errs := make([]error, 0, len(res.CrosspostErrors))
		for _, network := range sortedKeys(res.CrosspostErrors) {
			errs = append(errs, fmt.Errorf("%s: %s", network, res.CrosspostErrors[network]))
		}
		return errors.Join(errs...)
	}
	return nil
}

func resolveMessage(cmd *cobra.Command, args []string) (string, error) {
	message := messageFlag

	if len(args) > 0 {
		if message != "" {
			return "", errors.New("provide the message either as an argument or with --message, not both")
		}
		message = strings.Join(args, " ")
	}

	if message != "" {
		return strings.TrimSpace(message), nil
	}

	if file, ok := cmd.InOrStdin().(*os.File); ok && !term.IsTerminal(int(file.Fd())) {
		data, err := io.ReadAll(file)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		message = strings.TrimSpace(string(data))
	}

	return message, nil
}

// normalizeTargets maps flag values to network names in a stable order.
func normalizeTargets(values []string) ([]string, error) {
	result := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}
		if raw == "all" {
			return []string{sitepost.NetworkBluesky, sitepost.NetworkMastodon, sitepost.NetworkX}, nil
		}
		network, ok := supportedTargets[raw]
		if !ok {
			return nil, fmt.Errorf("unsupported target %q", raw)
		}
		if _, ok := seen[network]; ok {
			continue
		}
		seen[network] = struct{}{}
		result = append(result, network)
	}
	sort.Strings(result)
	return result, nil
}

func readPhotoFile(path string) (*publish.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, sitepost.ValidationError{Provider: "photo", Reason: fmt.Sprintf("image %q not found", path)}
		}
		return nil, fmt.Errorf("read photo: %w", err)
	}
	return &publish.Upload{
		Data:     data,
		Filename: filepath.Base(path),
		MimeType: http.DetectContentType(data),
		Size:     int64(len(data)),
	}, nil
}

func describe(out io.Writer, req publish.Request, targets []string) {
	if req.PublishPhotoStream && req.Photo != nil {
		fmt.Fprintf(out, "[dry-run] would queue photo %s (%d bytes, caption: %q)\n", req.Photo.Filename, len(req.Photo.Data), req.PhotoCaption)
	}
	if !req.PublishMicroblog {
		return
	}
	fmt.Fprintf(out, "[dry-run] would publish microblog entry: %q\n", req.MicroText)
	for _, target := range targets {
		fmt.Fprintf(out, "[dry-run] would post to %s (link: %t, photo: %t)\n", target, req.IncludePermalink, req.AttachPhotoToSocial && req.Photo != nil)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
