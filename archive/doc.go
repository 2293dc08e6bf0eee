// Package archive reads and writes ustar archives in short, resumable
// invocations.
//
// Every long-running operation takes a wall-clock budget (see WithTimeout).
// When the budget runs out in the middle of an entry, the operation closes
// its file handles and returns a Result with StatusSuspended and a small
// token. Passing that token to the same operation in a later process
// continues exactly where the previous one stopped:
//
//	r, err := archive.Open("backup.tar", archive.WithTimeout(10*time.Second))
//	if err != nil {
//	    return err
//	}
//	res, err := r.Extract(ctx, "/srv/site", archive.ExtractOptions{}, token)
//	if err != nil {
//	    return err
//	}
//	if res.Suspended() {
//	    return saveToken(res.Read)
//	}
//
// Entries written with a passphrase use the non-standard typeflag 'P'. Their
// data region starts with a 16-byte IV followed by AES-256-CBC ciphertext
// chained per 512-byte block, so an encrypted entry can also be suspended
// and resumed mid-file.
package archive
