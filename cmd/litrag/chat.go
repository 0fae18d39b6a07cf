package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kalambet/litrag/internal/tui"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive question shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if k == 0 {
			k = cfg.Retrieval.TopK
		}
		s, err := openSession(cfg, true)
		if err != nil {
			return err
		}
		defer s.Close()

		m := s.set.Manifest
		summary := fmt.Sprintf("%d chunks from %d documents, %s via %s, answers by %s",
			m.ChunkCount, m.DocumentCount, m.EmbeddingModel, m.EmbeddingBackend, cfg.Generate.Model)

		p := tea.NewProgram(tui.New(cmd.Context(), s.answerer, k, summary), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		_, err = p.Run()
		return err
	},
}

func init() {
	chatCmd.Flags().Int("k", 0, "number of chunks per question (default retrieval.top_k)")
}
