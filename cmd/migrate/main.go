package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/alecthomas/kong"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type cli struct {
	Direction  string `help:"Migration direction." enum:"up,down" default:"up"`
	Steps      int    `help:"Number of steps (0 = all)." default:"0"`
	DBURL      string `name:"db-url" help:"Database URL." env:"DATABASE_URL"`
	DBHost     string `name:"db-host" env:"DB_HOST" default:"localhost" hidden:""`
	DBPort     string `name:"db-port" env:"DB_PORT" default:"5432" hidden:""`
	DBUser     string `name:"db-user" env:"DB_USER" default:"tierproxy" hidden:""`
	DBPassword string `name:"db-password" env:"DB_PASSWORD" default:"tierproxy-dev" hidden:""`
	DBName     string `name:"db-name" env:"DB_NAME" default:"tierproxy" hidden:""`
	Path       string `help:"Path to migrations directory." default:"migrations" type:"path"`
}

func (c *cli) dsn() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("migrate"),
		kong.Description("Apply the refresh history schema."),
	)

	m, err := migrate.New("file://"+c.Path, c.dsn())
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch c.Direction {
	case "up":
		if c.Steps > 0 {
			err = m.Steps(c.Steps)
		} else {
			err = m.Up()
		}
	case "down":
		if c.Steps > 0 {
			err = m.Steps(-c.Steps)
		} else {
			err = m.Down()
		}
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	v, dirty, _ := m.Version()
	fmt.Printf("migration %s complete (version: %d, dirty: %v)\n", c.Direction, v, dirty)
}
