package dbadmin

import (
	"context"
	"testing"
)

func TestOperationsAfterCloseReturnError(t *testing.T) {
	a := &Admin{}

	if err := a.CreateDatabase(context.Background(), "testdb", "testuser"); err == nil {
		t.Fatalf("expected CreateDatabase on a closed Admin to fail")
	}
	if err := a.DropDatabase(context.Background(), "testdb"); err == nil {
		t.Fatalf("expected DropDatabase on a closed Admin to fail")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("expected Close on an already-closed Admin to be a no-op, got %v", err)
	}
}
