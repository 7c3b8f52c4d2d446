package utils

import (
	"testing"
)

// TestColorRed will get the colour red
func TestColorRed(t *testing.T) {
	s := "testing colour"
	color := ColorRed(s)
	if expectedColor := "\033[31m" + s + "\033[0m"; color != expectedColor {
		t.Fatalf("error getting color red. Expected %v, got %v", string(expectedColor), color)
	}
}

// TestMakeError will confirm the error is properly formatted
func TestMakeError(t *testing.T) {
	errMsg := "MakeError must return an error identical to this 1."
	formatMsg := "%s must return an error identical to this %d."

	// MakeError will generate a valid error with the provided format string and params
	err := MakeError(formatMsg, "MakeError", 1)

	if err == nil {
		t.Fatal("error making an error. Expected err, got nil")
	}

	if err.Error() != errMsg {
		t.Fatalf("error making an error. Expected %s, got %s", errMsg, err.Error())
	}
}
