package database

import (
	"encoding/json"
	"path"

	"github.com/flurbudurbur/Kura/internal/domain"
	"github.com/flurbudurbur/Kura/pkg/errors"
)

func dataSourceName(configPath string, name string) string {
	if configPath != "" {
		return path.Join(configPath, name)
	}

	return name
}

func encodeHeaders(h domain.Headers) (string, error) {
	if h == nil {
		h = domain.Headers{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", errors.Wrap(err, "could not encode headers")
	}
	return string(b), nil
}

func decodeHeaders(s string) (domain.Headers, error) {
	var h domain.Headers
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, errors.Wrap(err, "could not decode headers")
	}
	return h, nil
}
