package archive

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
)

type treeItem struct {
	path string
	rel  string
	info fs.FileInfo
}

// walkTree lists the directories and regular files below root in lexical
// walk order. Symlinks and special files are skipped.
func (w *Writer) walkTree(root string) ([]treeItem, error) {
	var items []treeItem
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			w.cfg.log().Warn("skipping non-regular file", "path", p, "type", d.Type().String())
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, treeItem{path: p, rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	if err != nil {
		return nil, ioErr("walk", root, err)
	}
	return items, nil
}

// AddTree archives the directories and regular files below root, named
// relative to it under prefix. It shares one time budget across all files
// and, when suspended, returns a tree token that continues the walk. The
// tree must not change between invocations.
func (w *Writer) AddTree(ctx context.Context, root, prefix string, token *TreeToken) (Result, error) {
	if err := w.usable(); err != nil {
		return Result{}, err
	}
	items, err := w.walkTree(root)
	if err != nil {
		return Result{}, err
	}

	start := 0
	var fileToken *WriteToken
	if token != nil {
		start = -1
		for i, item := range items {
			if item.rel == token.Next {
				start = i
				break
			}
		}
		if start < 0 {
			return Result{}, fmt.Errorf("%w: %s not found below %s", ErrInvalidToken, token.Next, root)
		}
		fileToken = token.File
	}

	tb := w.cfg.startTimebox()
	var res Result
	for i := start; i < len(items); i++ {
		item := items[i]
		if i > start && tb.expired() {
			res.Status = StatusSuspended
			res.Tree = &TreeToken{Next: item.rel}
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		meta := FileMetaFromInfo(path.Join(prefix, item.rel), item.info)
		if item.info.IsDir() {
			if err := w.AddDir(meta); err != nil {
				return res, err
			}
			res.Entries++
			continue
		}

		r, err := w.addFile(ctx, item.path, meta, fileToken, tb)
		fileToken = nil
		res.Bytes += r.Bytes
		res.Entries += r.Entries
		if err != nil {
			return res, err
		}
		if r.Suspended() {
			res.Status = StatusSuspended
			res.Tree = &TreeToken{Next: item.rel, File: r.Write}
			return res, nil
		}
	}
	res.Status = StatusDone
	return res, nil
}
