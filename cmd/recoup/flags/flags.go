// Package flags provides functionality for managing flags for recoup
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli"

	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/vop"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat(logging, config.Flags)

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// how flags work in urfave/cli can be a bit confusing. flags belongs to a
	// context, and I haven't been able to find a natural way of scoping flags
	// correctly. so one issue that kept popping up was that DB flags were passed
	// in, but weren't picked up, because we did c.String instead of c.GlobalString.
	// however, doing c.GlobalString (or Int, or whatever) everywhere doesn't work
	// either. therefore, we recurse here until we find a context where the flags
	// are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadKvConf reads the appropriate flags for connecting to Redis
func ReadKvConf(c *cli.Context) kv.Config {
	return kv.Config{
		Addr:     c.String("redis.addr"),
		Password: c.String("redis.password"),
		DB:       c.Int("redis.db"),
	}
}

// ReadGatewayConf reads the appropriate flags for reaching the payment
// gateway
func ReadGatewayConf(c *cli.Context) gateway.Config {
	return gateway.Config{
		BaseURL:      c.String("gateway.baseurl"),
		Username:     c.String("gateway.username"),
		Password:     c.String("gateway.password"),
		EmpAccountID: c.Int("gateway.empaccountid"),
		Timeout:      time.Duration(c.Int("gateway.timeoutseconds")) * time.Second,
	}
}

// ReadVopConf reads the appropriate flags for reaching the account
// verification provider. An empty base URL means verification runs without
// a remote provider.
func ReadVopConf(c *cli.Context) vop.HTTPConfig {
	return vop.HTTPConfig{
		BaseURL: c.String("vop.baseurl"),
		APIKey:  c.String("vop.apikey"),
	}
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "recoup",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// Redis is a list of flags for functionality that needs the KV store
var Redis = []cli.Flag{
	cli.StringFlag{
		Name:   "redis.addr",
		Usage:  "Redis address, host:port",
		Value:  "localhost:6379",
		EnvVar: "REDIS_ADDR",
	},
	cli.StringFlag{
		Name:   "redis.password",
		Usage:  "Redis password",
		EnvVar: "REDIS_PASSWORD",
	},
	cli.IntFlag{
		Name:  "redis.db",
		Usage: "Redis database number",
	},
}

// Gateway is a list of flags for functionality that talks to the payment
// gateway
var Gateway = []cli.Flag{
	cli.StringFlag{
		Name:     "gateway.baseurl",
		Usage:    "Base URL of the payment gateway API",
		EnvVar:   "GATEWAY_BASEURL",
		Required: true,
	},
	cli.StringFlag{
		Name:     "gateway.username",
		Usage:    "Gateway API username",
		EnvVar:   "GATEWAY_USERNAME",
		Required: true,
	},
	cli.StringFlag{
		Name:     "gateway.password",
		Usage:    "Gateway API password",
		EnvVar:   "GATEWAY_PASSWORD",
		Required: true,
	},
	cli.IntFlag{
		Name:   "gateway.empaccountid",
		Usage:  "Merchant account id charges are booked under",
		EnvVar: "GATEWAY_EMP_ACCOUNT_ID",
	},
	cli.IntFlag{
		Name:  "gateway.timeoutseconds",
		Usage: "HTTP timeout towards the gateway, in seconds",
		Value: 30,
	},
}

// Vop is a list of flags for the account verification provider
var Vop = []cli.Flag{
	cli.StringFlag{
		Name:   "vop.baseurl",
		Usage:  "Base URL of the account verification provider. Empty disables remote lookups",
		EnvVar: "VOP_BASEURL",
	},
	cli.StringFlag{
		Name:   "vop.apikey",
		Usage:  "API key for the account verification provider",
		EnvVar: "VOP_APIKEY",
	},
}

// Api is a list of flags for the REST API
var Api = []cli.Flag{
	cli.IntFlag{
		Name:  "api.port",
		Usage: "Port to listen on",
		Value: 8080,
	},
	cli.StringSliceFlag{
		Name:  "api.allowedorigins",
		Usage: "CORS allowed origins. Can be given multiple times",
	},
	cli.StringFlag{
		Name:  "api.exportdir",
		Usage: "Directory export jobs spool their files to",
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "exports")
		}(),
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.file",
		TakesFile: true,
		Usage:     "File to mirror log output to, in addition to stderr",
	},
}
