package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"heirloom/api/internal/apiclient"
	"heirloom/api/internal/archive"
)

func (c *cli) memoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memories",
		Aliases: []string{"memory"},
		Short:   "List, add and remove memories",
	}
	cmd.AddCommand(c.memoriesListCmd(), c.memoriesAddNoteCmd(), c.memoriesUploadCmd(), c.memoriesRemoveCmd())
	return cmd
}

func (c *cli) memoriesListCmd() *cobra.Command {
	var (
		personID   string
		memoryType string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var wantType archive.MemoryType
			if memoryType != "" {
				t, ok := archive.ParseMemoryType(memoryType)
				if !ok {
					return fmt.Errorf("unknown memory type %q", memoryType)
				}
				wantType = t
			}
			cache, err := c.store()
			if err != nil {
				return err
			}
			tree, err := cache.Tree(cmd.Context())
			if err != nil {
				return err
			}
			memories := make([]archive.Memory, 0, len(tree.Memories))
			for _, m := range tree.Memories {
				if personID != "" && !slices.Contains(m.PersonIDs, personID) {
					continue
				}
				if wantType != "" && m.Type != wantType {
					continue
				}
				memories = append(memories, m)
			}
			if c.jsonOutput {
				return c.printJSON(memories)
			}
			rows := make([][]string, 0, len(memories))
			for _, m := range memories {
				rows = append(rows, []string{m.ID, string(m.Type), orDash(m.Title), orDash(m.Date), orDash(m.FileName)})
			}
			return c.printTable([]string{"ID", "TYPE", "TITLE", "DATE", "FILE"}, rows)
		},
	}
	cmd.Flags().StringVar(&personID, "person", "", "only memories tagged with this person")
	cmd.Flags().StringVar(&memoryType, "type", "", "only memories of this type")
	return cmd
}

func (c *cli) memoriesAddNoteCmd() *cobra.Command {
	var (
		title   string
		date    string
		people  []string
		content string
	)
	cmd := &cobra.Command{
		Use:   "add-note [text]",
		Short: "Write a text memory; queued until the next sync",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				content = args[0]
			}
			cache, err := c.store()
			if err != nil {
				return err
			}
			saved, err := cache.SaveMemory(cmd.Context(), archive.Memory{
				Type:      archive.TypeText,
				Title:     title,
				Date:      date,
				Content:   content,
				PersonIDs: people,
			})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(saved)
			}
			c.printf("Added note %s, pending sync\n", saved.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&date, "date", "", "date the memory refers to")
	cmd.Flags().StringSliceVar(&people, "person", nil, "tag a person id (repeatable)")
	cmd.Flags().StringVar(&content, "text", "", "note text")
	return cmd
}

func (c *cli) memoriesUploadCmd() *cobra.Command {
	var (
		title       string
		date        string
		description string
		location    string
		people      []string
		memoryType  string
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file as a new memory; needs the server",
		Long: `Upload sends a photo, document, audio or video file straight to the server.
Files are not queued offline. The type is guessed from the file name unless
--type is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			name := filepath.Base(path)
			contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
			memory := archive.Memory{
				Type:        archive.TypeFromMIME(contentType, name),
				Title:       title,
				Date:        date,
				Description: description,
				Location:    location,
				PersonIDs:   people,
			}
			if memoryType != "" {
				t, ok := archive.ParseMemoryType(memoryType)
				if !ok {
					return fmt.Errorf("unknown memory type %q", memoryType)
				}
				memory.Type = t
			}

			ctx := cmd.Context()
			saved, err := c.api().Upload(ctx, apiclient.Upload{
				FileName:    name,
				ContentType: contentType,
				Body:        f,
				Memory:      memory,
			})
			if err != nil {
				return err
			}
			c.pull(ctx)
			if c.jsonOutput {
				return c.printJSON(saved)
			}
			c.printf("Uploaded %s as %s %s\n", name, saved.Type, saved.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to the file name)")
	cmd.Flags().StringVar(&date, "date", "", "date the memory refers to")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&location, "location", "", "where it happened")
	cmd.Flags().StringSliceVar(&people, "person", nil, "tag a person id (repeatable)")
	cmd.Flags().StringVar(&memoryType, "type", "", "photo, document, audio or video")
	return cmd
}

func (c *cli) memoriesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a memory; queued until the next sync",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := c.store()
			if err != nil {
				return err
			}
			if err := cache.DeleteMemory(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printf("Removed %s, pending sync\n", args[0])
			return nil
		},
	}
}
