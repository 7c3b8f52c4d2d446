package utils

import (
	"math/rand"
	"os"
	"path"
	"sync"
	"testing"
	"time"
)

func TestWaitWithDebugPrints(t *testing.T) {
	wg := sync.WaitGroup{}
	timeout := 1 * time.Second
	level := 2

	for i := 1; i <= 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r := rand.Intn(5)
			time.Sleep(time.Duration(r) * time.Second)
		}()
	}
	WaitWithDebugPrints(&wg, timeout, level)
	wg.Wait()
}

func TestWaitForFileCreation(t *testing.T) {
	testDir := path.Join(t.TempDir(), "testBase")

	if err := os.MkdirAll(testDir, 0o777); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}

	waitErrorChan := make(chan error)
	go func() {
		waitErrorChan <- WaitForFileCreation(testDir, "test-file.txt", 10*time.Second, nil)
	}()

	writeErrorChan := make(chan error)
	go func() {
		writeErrorChan <- writeTestFile(testDir)
	}()

	if err := <-waitErrorChan; err != nil {
		t.Errorf("error waiting for file creation: %v", err)
	}
	if err := <-writeErrorChan; err != nil {
		t.Errorf("error writing file: %v", err)
	}
}

func writeTestFile(testDir string) error {
	filePath := path.Join(testDir, "test-file.txt")
	fileContents := Sprintf("This is test-file with path %s", filePath)

	if err := os.WriteFile(filePath, []byte(fileContents), 0o777); err != nil {
		return MakeError("failed to write to file %s: %v", filePath, err)
	}
	return nil
}
