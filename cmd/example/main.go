package main

import (
	"fmt"
	"io"
	"log"

	exfat "github.com/aligator/goexfat"
)

// This example formats an in-memory device, writes a file through the
// afero surface and reads it back.
func main() {
	device := exfat.NewRAMDevice(8 * 1024 * 1024)
	if err := exfat.Format(device, exfat.FormatOptions{Label: "EXAMPLE", Serial: 0x1234ABCD}); err != nil {
		log.Fatal(err)
	}

	fs, err := exfat.New(device)
	if err != nil {
		log.Fatal(err)
	}
	defer fs.Close()

	file, err := fs.Create("/hello.txt")
	if err != nil {
		log.Fatal(err)
	}
	if _, err := file.WriteString("Hello exFAT!\n"); err != nil {
		log.Fatal(err)
	}
	if err := file.Close(); err != nil {
		log.Fatal(err)
	}

	file, err = fs.Open("/hello.txt")
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("volume %q: %s", fs.Label(), content)
}
