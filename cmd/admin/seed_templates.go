package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/tasks"
)

var seedTemplatesCmd = &cobra.Command{
	Use:   "seed-templates",
	Short: "Copy the built-in templates into the database",
	Long:  "Copies the built-in templates into the database so admins can edit them. Existing slugs are left alone.",
	RunE:  runSeedTemplates,
}

var (
	seedPreviews  bool
	seedRedisAddr string
)

var builtinDisplayNames = map[string]string{
	"classic": "Classic",
	"modern":  "Modern",
	"minimal": "Minimal",
}

func init() {
	seedTemplatesCmd.Flags().BoolVar(&seedPreviews, "previews", false, "enqueue thumbnail generation for seeded templates")
	seedTemplatesCmd.Flags().StringVar(&seedRedisAddr, "redis-addr", "localhost:6379", "redis address of the task queue")
	rootCmd.AddCommand(seedTemplatesCmd)
}

func runSeedTemplates(cmd *cobra.Command, _ []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	seeded, err := seedBuiltinTemplates(cmd.Context(), db)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "seeded %d template(s)\n", len(seeded))

	if !seedPreviews || len(seeded) == 0 {
		return nil
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: seedRedisAddr})
	defer client.Close()
	for _, t := range seeded {
		task, err := tasks.NewTemplatePreviewTask(t.ID, "admin-seed")
		if err != nil {
			return err
		}
		if _, err := client.EnqueueContext(cmd.Context(), task); err != nil {
			return fmt.Errorf("enqueue preview for %s: %w", t.Slug, err)
		}
		fmt.Fprintf(out, "queued thumbnail for %s\n", t.Slug)
	}
	return nil
}

// seedBuiltinTemplates 插入 slug 尚未被占用的内置模板（含软删除记录），
// 返回新插入的模板。
func seedBuiltinTemplates(ctx context.Context, db *gorm.DB) ([]database.Template, error) {
	var seeded []database.Template
	for _, id := range preview.BuiltinIDs {
		var count int64
		if err := db.WithContext(ctx).Unscoped().Model(&database.Template{}).Where("slug = ?", id).Count(&count).Error; err != nil {
			return seeded, fmt.Errorf("check template %s: %w", id, err)
		}
		if count > 0 {
			continue
		}
		body, err := preview.BuiltinSource(id)
		if err != nil {
			return seeded, err
		}
		t := database.Template{
			Slug:        id,
			Name:        builtinDisplayNames[id],
			Description: "Built-in " + id + " layout",
			Body:        body,
			IsActive:    true,
		}
		if err := db.WithContext(ctx).Create(&t).Error; err != nil {
			return seeded, fmt.Errorf("create template %s: %w", id, err)
		}
		seeded = append(seeded, t)
	}
	return seeded, nil
}
