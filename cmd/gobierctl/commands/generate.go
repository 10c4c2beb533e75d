package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gobier/internal/config"
	"github.com/dantte-lp/gobier/internal/topo"
)

// generatedConfig is the YAML document written per node. Only the bifts
// section is emitted; everything else inherits daemon defaults on load.
type generatedConfig struct {
	BIFTs []config.BIFTSection `yaml:"bifts"`
}

func generateCmd() *cobra.Command {
	var (
		topoFile  string
		addrsFile string
		outDir    string
		biftID    uint32
		subDomain uint16
		setIndex  uint16
		bsl       int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate per-router configuration from a topology file",
		Long: "Reads a link-state topology file and a node address mapping, runs " +
			"shortest-path first from every node, and writes one gobier YAML " +
			"configuration per router into the output directory.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			g, err := topo.Load(topoFile, addrsFile)
			if err != nil {
				return fmt.Errorf("load topology: %w", err)
			}

			sections, err := g.AllSections(topo.GenerateOptions{
				BIFTID:    biftID,
				SubDomain: subDomain,
				SetIndex:  setIndex,
				BSL:       bsl,
			})
			if err != nil {
				return fmt.Errorf("generate sections: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory %s: %w", outDir, err)
			}

			stem := strings.TrimSuffix(filepath.Base(topoFile), filepath.Ext(topoFile))
			for node, sec := range sections {
				path := filepath.Join(outDir, fmt.Sprintf("%s-%s.yaml", stem, g.NodeName(node)))
				if err := writeNodeConfig(path, sec); err != nil {
					return err
				}
				fmt.Printf("wrote %s (bfr-id %d, %d entries)\n", path, sec.BFRID, len(sec.Entries))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&topoFile, "topo-file", "f", "", "topology file (one link per line)")
	cmd.Flags().StringVarP(&addrsFile, "node-addrs", "i", "", "node address mapping file")
	cmd.Flags().StringVarP(&outDir, "directory", "d", ".", "output directory")
	cmd.Flags().Uint32Var(&biftID, "bift-id", 1, "BIFT identifier for generated sections")
	cmd.Flags().Uint16Var(&subDomain, "sub-domain", 0, "sub-domain identifier")
	cmd.Flags().Uint16Var(&setIndex, "set-index", 0, "set identifier")
	cmd.Flags().IntVar(&bsl, "bsl", 0, "bitstring length in bits (0 picks the smallest that fits)")

	mustMarkRequired(cmd, "topo-file")
	mustMarkRequired(cmd, "node-addrs")

	return cmd
}

// writeNodeConfig marshals one node's configuration to a YAML file.
func writeNodeConfig(path string, sec config.BIFTSection) error {
	out, err := yaml.Marshal(generatedConfig{BIFTs: []config.BIFTSection{sec}})
	if err != nil {
		return fmt.Errorf("marshal config for %s: %w", path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// mustMarkRequired marks a flag required; the flag names are static so a
// failure is a programming error.
func mustMarkRequired(cmd *cobra.Command, name string) {
	if err := cmd.MarkFlagRequired(name); err != nil {
		panic(err)
	}
}
