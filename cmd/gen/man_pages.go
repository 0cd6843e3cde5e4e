package gen

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/respmux/internal/meta"
)

var (
	manDir      string
	markdownDir string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for respmux",
	Long: `This command automatically generates up-to-date man pages of every
	respmux command. By default, it creates the man page files
	in the "man" directory under the current directory.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		header := &doc.GenManHeader{
			Section: "1",
			Manual:  "respmux Manual",
			Source:  fmt.Sprintf("respmux %s", meta.GetInfo().Version),
		}

		dir, err := ensureDir(manDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Println("Generating respmux man pages in", dir, "...")

		if err := doc.GenManTree(cmd.Root(), header, dir); err != nil {
			return err
		}

		fmt.Println("Done.")

		return nil
	},
}

var MarkdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Generate markdown reference pages for respmux",

	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := ensureDir(markdownDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Println("Generating respmux markdown pages in", dir, "...")

		if err := doc.GenMarkdownTree(cmd.Root(), dir); err != nil {
			return err
		}

		fmt.Println("Done.")

		return nil
	},
}

func init() {
	ManPagesCmd.PersistentFlags().StringVar(&manDir, "dir", "man/", "the directory to write the man pages.")
	MarkdownCmd.PersistentFlags().StringVar(&markdownDir, "dir", "docs/", "the directory to write the markdown pages.")

	// For bash-completion
	for _, c := range []*cobra.Command{ManPagesCmd, MarkdownCmd} {
		if err := c.PersistentFlags().SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
			panic(err)
		}
	}
}
