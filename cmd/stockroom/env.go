package main

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer in environment")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer in environment")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration in environment")
		return fallback
	}
	return value
}
