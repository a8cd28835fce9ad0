package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	exfat "github.com/aligator/goexfat"
)

func main() {
	app := &cli.App{
		Name:    "exfat",
		Usage:   "inspect and modify exFAT volume images",
		Version: "0.1.0",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the volume image or block device",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "read-only",
				Usage: "mount the volume read-only",
			},
		},

		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "format the image as exFAT",
				ArgsUsage: "[label]",
				Action: func(c *cli.Context) error {
					file, err := os.OpenFile(c.String("image"), os.O_RDWR, 0)
					if err != nil {
						return err
					}
					defer file.Close()
					if err := lockImage(file); err != nil {
						return err
					}
					defer unlockImage(file)

					return exfat.Format(exfat.NewFileDevice(file), exfat.FormatOptions{
						Label:  c.Args().First(),
						Serial: uint32(os.Getpid())<<16 | uint32(len(c.String("image"))),
					})
				},
			},
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "[path]",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					dir, err := fs.Open(pathArg(c, 0))
					if err != nil {
						return err
					}
					defer dir.Close()

					entries, err := dir.Readdir(-1)
					if err != nil {
						return err
					}
					for _, entry := range entries {
						kind := "-"
						if entry.IsDir() {
							kind = "d"
						}
						fmt.Printf("%s %10d %s %s\n", kind, entry.Size(), entry.ModTime().Format("2006-01-02 15:04:05"), entry.Name())
					}
					return nil
				}),
			},
			{
				Name:      "cat",
				Usage:     "print a file to stdout",
				ArgsUsage: "<path>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					file, err := fs.Open(pathArg(c, 0))
					if err != nil {
						return err
					}
					defer file.Close()

					_, err = io.Copy(os.Stdout, file)
					return err
				}),
			},
			{
				Name:      "put",
				Usage:     "copy a host file into the volume",
				ArgsUsage: "<host path> <volume path>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					host := afero.NewOsFs()
					source, err := host.Open(c.Args().Get(0))
					if err != nil {
						return err
					}
					defer source.Close()

					target, err := fs.Create(c.Args().Get(1))
					if err != nil {
						return err
					}
					if _, err := io.Copy(target, source); err != nil {
						target.Close()
						return err
					}
					return target.Close()
				}),
			},
			{
				Name:      "append",
				Usage:     "append stdin to a file",
				ArgsUsage: "<path>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					file, err := fs.OpenFile(pathArg(c, 0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
					if err != nil {
						return err
					}
					if _, err := io.Copy(file, os.Stdin); err != nil {
						file.Close()
						return err
					}
					return file.Close()
				}),
			},
			{
				Name:      "touch",
				Usage:     "create an empty file if it does not exist",
				ArgsUsage: "<path>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					file, err := fs.OpenFile(pathArg(c, 0), os.O_RDWR|os.O_CREATE, 0666)
					if err != nil {
						return err
					}
					return file.Close()
				}),
			},
			{
				Name:      "truncate",
				Usage:     "shrink or grow a file",
				ArgsUsage: "<path> <size>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					size, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
					if err != nil {
						return err
					}
					file, err := fs.OpenFile(pathArg(c, 0), os.O_RDWR, 0666)
					if err != nil {
						return err
					}
					if err := file.Truncate(size); err != nil {
						file.Close()
						return err
					}
					return file.Close()
				}),
			},
			{
				Name:      "rm",
				Aliases:   []string{"remove"},
				Usage:     "remove a file or directory",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					if c.Bool("recursive") {
						return fs.RemoveAll(pathArg(c, 0))
					}
					return fs.Remove(pathArg(c, 0))
				}),
			},
			{
				Name:      "mkdir",
				Usage:     "create a directory",
				ArgsUsage: "<path>",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					return fs.MkdirAll(pathArg(c, 0), 0777)
				}),
			},
			{
				Name:  "label",
				Usage: "print the volume label and serial number",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					fmt.Printf("label:  %q\nserial: %08X\nused:   %d clusters\n",
						fs.Label(), fs.SerialNumber(), fs.UsedClusters())
					return nil
				}),
			},
			{
				Name:  "fsck",
				Usage: "verify the boot region and upcase table checksums",
				Action: withVolume(func(c *cli.Context, fs *exfat.Fs) error {
					if err := fs.ValidateChecksum(); err != nil {
						return err
					}
					if err := fs.ValidateUpcaseTableChecksum(); err != nil {
						return err
					}
					fmt.Println("checksums ok")
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// pathArg returns the nth argument, defaulting to the root directory.
func pathArg(c *cli.Context, n int) string {
	if c.Args().Len() <= n {
		return "/"
	}
	return c.Args().Get(n)
}

// withVolume opens, locks and mounts the image around the action and
// closes the volume afterwards.
func withVolume(action func(*cli.Context, *exfat.Fs) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		flags := os.O_RDWR
		if c.Bool("read-only") {
			flags = os.O_RDONLY
		}
		file, err := os.OpenFile(c.String("image"), flags, 0)
		if err != nil {
			return err
		}
		defer file.Close()
		if err := lockImage(file); err != nil {
			return err
		}
		defer unlockImage(file)

		var options []exfat.Option
		if c.Bool("read-only") {
			options = append(options, exfat.WithReadOnly())
		}
		fs, err := exfat.New(exfat.NewFileDevice(file), options...)
		if err != nil {
			return err
		}

		actionErr := action(c, fs)
		if closeErr := fs.Close(); actionErr == nil {
			actionErr = closeErr
		}
		if actionErr != nil && errors.Is(actionErr, exfat.ErrNotFound) {
			return fmt.Errorf("%s: not found", c.Args().First())
		}
		return actionErr
	}
}
