package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/spf13/cobra"
)

func newDocumentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Manage the medical knowledge base",
	}
	cmd.AddCommand(
		newDocumentsListCmd(a),
		newDocumentsUploadCmd(a),
		newDocumentsDeleteCmd(a),
		newDocumentsSearchCmd(a),
		newDocumentsMetadataCmd(a),
	)
	return cmd
}

func newDocumentsListCmd(a *app) *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingested documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp domain.DocumentListResponse
			path := fmt.Sprintf("/documents?page=%d&page_size=%d", page, pageSize)
			if err := a.client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range resp.Documents {
				fmt.Fprintf(out, "%s  %-32s  %8s  %-10s  %3d chunks  %s\n",
					d.ID, d.Filename, humanize.Bytes(uint64(d.FileSize)), d.Status, d.ChunkCount, humanize.Time(d.CreatedAt))
				if len(d.Tags) > 0 {
					fmt.Fprintf(out, "    tags: %s\n", strings.Join(d.Tags, ", "))
				}
			}
			fmt.Fprintf(out, "Page %d, %d of %d documents\n", resp.Page, len(resp.Documents), resp.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Documents per page")
	return cmd
}

func newDocumentsUploadCmd(a *app) *cobra.Command {
	var (
		tags     []string
		metadata map[string]string
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload and ingest a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			fields := map[string]string{}
			if len(tags) > 0 {
				fields["tags"] = strings.Join(tags, ",")
			}
			if len(metadata) > 0 {
				data, err := json.Marshal(metadata)
				if err != nil {
					return err
				}
				fields["custom_metadata"] = string(data)
			}

			out := cmd.ErrOrStderr()
			var resp domain.DocumentUploadResponse
			err = a.client.Upload(cmd.Context(), "/documents/upload", filepath.Base(args[0]), f, fields,
				func(sent, total int64) {
					fmt.Fprintf(out, "\rUploading %s / %s", humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total)))
				}, &resp)
			fmt.Fprintln(out)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s as %s: %d chunks in %.1fs\n",
				resp.Filename, resp.DocumentID, resp.ChunksCreated, resp.ProcessingTime)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Comma-separated document tags")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Extra metadata as key=value pairs")
	return cmd
}

func newDocumentsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Remove a document from the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp domain.DocumentDeleteResponse
			if err := a.client.Delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", resp.DocumentID)
			return nil
		},
	}
}

func newDocumentsMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <document-id>",
		Short: "Show the metadata of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp domain.DocumentMetadataResponse
			if err := a.client.Get(cmd.Context(), "/documents/"+url.PathEscape(args[0])+"/metadata", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			m := resp.Metadata
			fmt.Fprintf(out, "%s  %s (%s, %s)\n", resp.DocumentID, m.Filename, m.FileType, humanize.Bytes(uint64(m.FileSize)))
			if m.PageCount != nil {
				fmt.Fprintf(out, "    pages: %d\n", *m.PageCount)
			}
			if len(m.Tags) > 0 {
				fmt.Fprintf(out, "    tags: %s\n", strings.Join(m.Tags, ", "))
			}
			fmt.Fprintf(out, "    added %s\n", humanize.Time(m.CreatedAt))
			return nil
		},
	}
}

func newDocumentsSearchCmd(a *app) *cobra.Command {
	var (
		topK int
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find passages similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.DocumentSearchRequest{
				Query:      strings.Join(args, " "),
				TopK:       topK,
				FilterTags: tags,
			}
			var resp struct {
				Results []domain.Source `json:"results"`
				Total   int             `json:"total"`
			}
			if err := a.client.Post(cmd.Context(), "/documents/search", req, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Total == 0 {
				fmt.Fprintln(out, "No matches.")
				return nil
			}
			printSources(out, resp.Results)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 5, "Number of passages to return")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Only search documents with one of these tags")
	return cmd
}
