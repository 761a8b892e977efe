package db

import (
	"testing"

	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "postgres from parts",
			cfg: config.Config{DBType: "postgres", DBHost: "db", DBUser: "u", DBPassword: "p",
				DBName: "tripsaga", DBPort: "5432", DBSSLMode: "disable"},
			want: "host=db user=u password=p dbname=tripsaga port=5432 sslmode=disable TimeZone=UTC",
		},
		{
			name: "mysql from parts",
			cfg:  config.Config{DBType: "mysql", DBHost: "db", DBUser: "u", DBPassword: "p", DBName: "tripsaga", DBPort: "3306"},
			want: "u:p@tcp(db:3306)/tripsaga?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			name: "explicit dsn wins",
			cfg:  config.Config{DBType: "postgres", DBDSN: " postgres://u:p@db/tripsaga ", DBHost: "ignored"},
			want: "postgres://u:p@db/tripsaga",
		},
		{
			name: "sqlite name becomes a wal file",
			cfg:  config.Config{DBType: "sqlite", DBName: "tripsaga"},
			want: "file:tripsaga.db?_busy_timeout=5000&_journal_mode=WAL",
		},
		{
			name: "sqlite path kept",
			cfg:  config.Config{DBType: "sqlite", DBName: "/var/lib/tripsaga/state.db"},
			want: "file:/var/lib/tripsaga/state.db?_busy_timeout=5000&_journal_mode=WAL",
		},
		{
			name: "sqlite in memory",
			cfg:  config.Config{DBType: "sqlite", DBName: ":memory:"},
			want: "file::memory:?cache=shared",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DSN(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "oracle", DBDSN: "anything"})
	assert.ErrorContains(t, err, "unsupported oracle type")
}
