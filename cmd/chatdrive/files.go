package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chatdrive/chatdrive/internal/blob"
)

func runPut(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("put", &g, s)
	name := fs.String("name", "", "file name to store (default: base name of the path)")
	contentID := fs.String("id", "", "content id for captions (default: generated)")
	out := fs.String("out", "-", "where to write the record, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chatdrive put [flags] <path>")
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.session(ctx, g.owner)
	if err != nil {
		return err
	}
	if *contentID == "" {
		*contentID = blob.NewContentID()
	}
	f, err := a.store.UploadFile(ctx, sess, fs.Arg(0), *contentID, *name)
	if err != nil {
		return err
	}
	return a.writeRecord(*out, f)
}

func runGet(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("get", &g, s)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: chatdrive get [flags] <record|-> <dest>")
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.readRecord(fs.Arg(0))
	if err != nil {
		return err
	}
	sess, err := a.session(ctx, g.owner)
	if err != nil {
		return err
	}

	dest := fs.Arg(1)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(rec.Name))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".chatdrive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	digest := blob.NewDigester()
	n, err := a.store.Download(ctx, sess, rec.Manifest, io.MultiWriter(tmp, digest))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if rec.Size > 0 && n != rec.Size {
		return fmt.Errorf("downloaded %d bytes, record says %d", n, rec.Size)
	}
	if err := digest.Verify(rec.Digest); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "Wrote %d bytes to %s\n", n, dest)
	return nil
}

func runRm(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("rm", &g, s)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chatdrive rm [flags] <record|->")
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.readRecord(fs.Arg(0))
	if err != nil {
		return err
	}
	sess, err := a.session(ctx, g.owner)
	if err != nil {
		return err
	}
	report, err := a.store.Delete(ctx, sess, rec.Manifest)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Deleted %d of %d blocks\n", len(report.Deleted), len(rec.Manifest))
	if !report.Complete() {
		for _, f := range report.Failed {
			fmt.Fprintf(a.stderr, "  part %d (block %d): %v\n", f.Ordinal, f.Ref, f.Err)
		}
		return fmt.Errorf("%d blocks could not be removed", len(report.Failed))
	}
	return nil
}

func runCp(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("cp", &g, s)
	contentID := fs.String("id", "", "content id of the copy (default: generated)")
	name := fs.String("name", "", "file name of the copy (default: the source name)")
	out := fs.String("out", "-", "where to write the new record, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chatdrive cp [flags] <record|->")
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.readRecord(fs.Arg(0))
	if err != nil {
		return err
	}
	sess, err := a.session(ctx, g.owner)
	if err != nil {
		return err
	}
	if *contentID == "" {
		*contentID = blob.NewContentID()
	}
	m, err := a.store.Copy(ctx, sess, rec.Manifest, *contentID)
	if err != nil {
		return err
	}

	cp := rec
	cp.ContentID = *contentID
	cp.Manifest = m
	cp.CreatedAt = time.Now().UTC()
	if *name != "" {
		cp.Name = *name
	}
	return a.writeRecord(*out, cp)
}

// readRecord loads a file record from path, or from stdin for "-".
func (a *app) readRecord(path string) (blob.File, error) {
	var (
		r   io.Reader = a.in
		rec blob.File
	)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return rec, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return rec, fmt.Errorf("parsing record: %w", err)
	}
	return rec, nil
}

// writeRecord writes f as indented JSON to path, or to stdout for "-".
func (a *app) writeRecord(path string, f blob.File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = a.stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
