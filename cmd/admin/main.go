// Command admin 用于初始化管理员账号与模板。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
)

var rootCmd = &cobra.Command{
	Use:          "admin",
	Short:        "CV Chap Chap administration",
	SilenceUsage: true,
}

var dbFlags struct {
	host     string
	port     int
	name     string
	user     string
	password string
	sslMode  string
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&dbFlags.host, "db-host", "", "database host (default DATABASE_HOST)")
	f.IntVar(&dbFlags.port, "db-port", 0, "database port (default DATABASE_PORT)")
	f.StringVar(&dbFlags.name, "db-name", "", "database name (default POSTGRES_DB)")
	f.StringVar(&dbFlags.user, "db-user", "", "database user (default POSTGRES_USER)")
	f.StringVar(&dbFlags.password, "db-password", "", "database password (default POSTGRES_PASSWORD)")
	f.StringVar(&dbFlags.sslMode, "db-sslmode", "", "database sslmode (default DATABASE_SSLMODE)")
}

// openDatabase 按全局参数连接数据库并执行迁移。
func openDatabase() (*gorm.DB, error) {
	cfg, err := loadDatabaseConfig(dbFlags.host, dbFlags.port, dbFlags.name, dbFlags.user, dbFlags.password, dbFlags.sslMode)
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}
	db, err := database.InitDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
