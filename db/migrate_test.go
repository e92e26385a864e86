package db

import "testing"

func TestConvertToMigrateURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "postgres scheme",
			in:   "postgres://sage:pw@localhost:5432/sage?sslmode=disable",
			want: "pgx5://sage:pw@localhost:5432/sage?sslmode=disable",
		},
		{
			name: "postgresql scheme",
			in:   "postgresql://sage@localhost/sage",
			want: "pgx5://sage@localhost/sage",
		},
		{
			name: "uppercase scheme",
			in:   "POSTGRES://localhost/sage",
			want: "pgx5://localhost/sage",
		},
		{
			name:    "mysql scheme",
			in:      "mysql://root@localhost/db",
			wantErr: true,
		},
		{
			name:    "no scheme",
			in:      "localhost:5432",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertToMigrateURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
