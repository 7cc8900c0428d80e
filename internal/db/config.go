package db

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
)

// Config holds database connection configuration
type Config struct {
	Driver         string
	DSN            string // used verbatim when set
	Host           string
	Port           int
	User           string
	Password       string
	Database       string // file path for the sqlite drivers
	Charset        string
	ConnectTimeout time.Duration
	MigrationsDir  string
}

// DefaultPort returns the usual server port of a driver, 0 for file databases
func DefaultPort(driver string) int {
	switch driver {
	case DriverMySQL:
		return 3306
	case DriverPostgres:
		return 5432
	default:
		return 0
	}
}

// Validate checks if the configuration is usable
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite3, DriverSQLite:
	case "":
		return fmt.Errorf("database driver must be specified")
	default:
		return fmt.Errorf("unsupported database driver: %s (must be mysql, postgres, sqlite3, or sqlite)", c.Driver)
	}

	if c.DSN != "" {
		return nil
	}
	if c.Database == "" {
		return fmt.Errorf("database name must be specified")
	}
	if c.isNetwork() {
		if c.Host == "" {
			return fmt.Errorf("database host must be specified")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("database port must be between 1 and 65535")
		}
	}
	return nil
}

func (c Config) isNetwork() bool {
	return c.Driver == DriverMySQL || c.Driver == DriverPostgres
}

// sqlDriver returns the name the driver registered with database/sql
func (c Config) sqlDriver() string {
	if c.Driver == DriverPostgres {
		return "pgx"
	}
	return c.Driver
}

// FormatDSN returns the data source name for the configured driver
func (c Config) FormatDSN() string {
	if c.DSN != "" {
		return c.DSN
	}

	switch c.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		mc.DBName = c.Database
		mc.ParseTime = true
		// migration files hold several statements
		mc.MultiStatements = true
		mc.Timeout = c.ConnectTimeout
		if c.Charset != "" {
			mc.Params = map[string]string{"charset": c.Charset}
		}
		return mc.FormatDSN()

	case DriverPostgres:
		parts := []string{
			pgParam("host", c.Host),
			pgParam("port", strconv.Itoa(c.Port)),
			pgParam("dbname", c.Database),
			pgParam("sslmode", "disable"),
		}
		if c.User != "" {
			parts = append(parts, pgParam("user", c.User))
		}
		if c.Password != "" {
			parts = append(parts, pgParam("password", c.Password))
		}
		if c.ConnectTimeout > 0 {
			secs := int(c.ConnectTimeout.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			parts = append(parts, pgParam("connect_timeout", strconv.Itoa(secs)))
		}
		return strings.Join(parts, " ")

	default:
		return c.Database
	}
}

// pgParam formats one key=value pair of a libpq style connection string
func pgParam(key, value string) string {
	if value != "" && !strings.ContainsAny(value, ` '\`) {
		return key + "=" + value
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return key + "='" + r.Replace(value) + "'"
}
