package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cvchapchap/internal/config"
)

// loadDatabaseConfig 用 api 读取的环境变量补全未设置的参数。
func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	host = firstSet(host, os.Getenv("DATABASE_HOST"), "localhost")
	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if port <= 0 {
		port = 5432
	}
	name = firstSet(name, os.Getenv("POSTGRES_DB"), os.Getenv("DB_NAME"))
	user = firstSet(user, os.Getenv("POSTGRES_USER"), os.Getenv("DB_USER"))
	password = firstSet(password, os.Getenv("POSTGRES_PASSWORD"), os.Getenv("DB_PASSWORD"))
	sslmode = firstSet(sslmode, os.Getenv("DATABASE_SSLMODE"), "disable")

	if name == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if user == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if password == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
