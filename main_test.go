package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://scraper:s3cret@db:5432/freight", "postgres://scraper:****@db:5432/freight"},
		{"postgres://db:5432/freight", "postgres://db:5432/freight"},
		{"host=db user=scraper", "host=db user=scraper"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskConnectionString(tt.in))
	}
}
