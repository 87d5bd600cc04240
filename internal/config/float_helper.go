package config

import "gopkg.in/ini.v1"

// Typed getters with fallback defaults, mirroring the teacher's
// getEnvAsX(key, fallback) helpers but reading an ini.Section instead of the
// environment.

func getStr(s *ini.Section, key, fallback string) string {
	k := s.Key(key)
	if k.String() == "" {
		return fallback
	}
	return k.String()
}

func getBool(s *ini.Section, key string, fallback bool) bool {
	if !s.HasKey(key) {
		return fallback
	}
	v, err := s.Key(key).Bool()
	if err != nil {
		return fallback
	}
	return v
}

func getInt(s *ini.Section, key string, fallback int) int {
	if !s.HasKey(key) {
		return fallback
	}
	v, err := s.Key(key).Int()
	if err != nil {
		return fallback
	}
	return v
}

func getInt64(s *ini.Section, key string, fallback int64) int64 {
	if !s.HasKey(key) {
		return fallback
	}
	v, err := s.Key(key).Int64()
	if err != nil {
		return fallback
	}
	return v
}

func getFloat(s *ini.Section, key string, fallback float64) float64 {
	if !s.HasKey(key) {
		return fallback
	}
	v, err := s.Key(key).Float64()
	if err != nil {
		return fallback
	}
	return v
}
