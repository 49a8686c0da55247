package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/0x6d61/sqlmapbatch/internal/capture"
)

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <burp.xml>",
		Short: "Convert a Burp Suite XML export into a sqlmap request file",
		Long: `Convert decodes every <item> of a Burp Suite "Save items" export,
normalizes the raw requests and writes them separated by "====" lines, the
format "sqlmapbatch requests" reads. Items without request data are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: runConvert,
	}
	cmd.Flags().String("out", "requests_ok.txt", "Output request file")
	cmd.Flags().String("split-dir", "", "Also write one request_<n>.req file per request into this directory")
	return cmd
}

func runConvert(cmd *cobra.Command, args []string) error {
	_, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	out := cmd.OutOrStdout()
	input := args[0]
	outPath, _ := cmd.Flags().GetString("out")
	splitDir, _ := cmd.Flags().GetString("split-dir")

	items, err := capture.ParseBurpXMLFile(input)
	if err != nil {
		return err
	}
	reqs := capture.ExtractRequests(items)
	log.Info().Int("items", len(items)).Int("requests", len(reqs)).Str("input", input).Msg("burp export parsed")
	if len(reqs) == 0 {
		fmt.Fprintf(out, "[!] No requests found in %s\n", input)
		return nil
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", outPath, err)
	}
	if err := capture.WriteRequestFile(f, reqs); err != nil {
		f.Close()
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %q: %w", outPath, err)
	}
	fmt.Fprintf(out, "[+] Extracted %d request(s) from %d item(s) to %s\n", len(reqs), len(items), outPath)

	if splitDir != "" {
		paths, err := capture.WriteRequestDir(splitDir, reqs)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[+] Wrote %d request file(s) to %s\n", len(paths), splitDir)
	}
	return nil
}
