/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	if databasePortStr := os.Getenv("DATABASE_PORT"); databasePortStr != "" {
		databasePort, err := strconv.Atoi(databasePortStr)
		if err != nil {
			log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
		}
		return databasePort
	}
	return defaultPostgresPort
}

// GetEnvOrElse returns the given environment variable, or the fallback if
// it isn't set.
func GetEnvOrElse(env, orElse string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return orElse
}

// GetEnvOrElseInt returns the given environment variable parsed as an int,
// or the fallback if it isn't set. An unparseable value quits the program.
func GetEnvOrElseInt(env string, orElse int) int {
	val := os.Getenv(env)
	if val == "" {
		return orElse
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("given environment variable (%s) is not a valid int: %s", env, val)
	}
	return parsed
}
