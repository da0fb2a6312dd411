package cmd

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"mangafetch/downloader"
	"mangafetch/internal"
	"mangafetch/utils"
)

var (
	outputDir     string
	force         bool
	loginForFetch bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <URL>...",
	Short: "Download files, resuming any earlier partial download",
	Long: `Download one or more files into the output directory. An interrupted
download leaves <file>.part behind; running the same command again resumes
it. Files that already exist with the remote size are skipped.

Examples:
  mangafetch fetch -o ./ch1 https://uploads.mangadex.org/data/<hash>/1.png
  mangafetch fetch --limit-rate 500K --force https://example.org/page.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, raw := range args {
			if err := utils.ValidateURL(raw); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(config)
		if err != nil {
			return err
		}
		defer a.close()

		a.restore(ctx)
		if loginForFetch && !a.manager.IsLoggedIn() {
			if err := login(ctx, a); err != nil {
				return err
			}
		}

		d, err := a.newDownloader(v.GetString("download.rate_limit"))
		if err != nil {
			return err
		}

		opts := downloader.Options{Force: force, Quiet: config.Log.Quiet || !config.Download.Progress}
		var failed int
		for _, raw := range args {
			dest := filepath.Join(outputDir, fileNameFor(raw))
			res, err := d.Download(ctx, raw, dest, opts)

			switch {
			case ctx.Err() != nil:
				fmt.Fprintf(os.Stderr, "\nDownload cancelled. Partial data kept in %s%s; run the same command to resume.\n", dest, utils.PartSuffix)
				return ctx.Err()
			case err != nil:
				failed++
				internal.LogErr("Download of "+raw+" failed", err)
			case res.Outcome == internal.OutcomeSkipped:
				if !config.Log.Quiet {
					fmt.Printf("%s already complete, skipped\n", dest)
				}
			default:
				if !config.Log.Quiet {
					fmt.Printf("%s: %s in %s\n", dest, utils.FormatBytes(res.Bytes), res.Duration.Round(1e6))
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(args))
		}
		return nil
	},
}

// fileNameFor derives the destination file name from the URL path
func fileNameFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
			return name
		}
	}
	return "download"
}

func init() {
	fetchCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Output directory")
	fetchCmd.Flags().BoolVarP(&force, "force", "f", false, "Download even if the file already exists with the same size")
	fetchCmd.Flags().StringP("limit-rate", "r", "", "Bandwidth limit (e.g., 5M for 5MB/s) (env: MANGAFETCH_DOWNLOAD_RATE_LIMIT)")
	fetchCmd.Flags().BoolVar(&loginForFetch, "login", false, "Log in first when no cached session exists")

	bindFlag("download.rate_limit", fetchCmd.Flags().Lookup("limit-rate"))
}
