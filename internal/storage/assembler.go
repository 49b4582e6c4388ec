package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"

	serr "github.com/transfery/transfery/internal/errors"
)

// PartSource opens the staged payload of one part.
type PartSource func(number int) (io.ReadCloser, error)

// ValidateParts checks a caller-supplied completion list against the etags
// recorded for an upload (part number -> etag) and returns the list sorted
// by part number.
//
// The list must be numbered 1..N with no gaps or duplicates, and every listed
// part must have been recorded with a matching etag. Recorded parts that are
// not listed are ignored, so a client can retry a part by re-uploading it and
// simply leave stale numbers out.
func ValidateParts(requested []Part, recorded map[int]string) ([]Part, error) {
	sorted, err := orderParts(requested)
	if err != nil {
		return nil, err
	}

	for _, p := range sorted {
		etag, ok := recorded[p.Number]
		if !ok {
			return nil, serr.Newf(serr.ErrPartMissing, "part %d was never uploaded", p.Number)
		}
		if normalizeETag(etag) != normalizeETag(p.ETag) {
			return nil, serr.Newf(serr.ErrIntegrityMismatch, "part %d etag %s does not match stored %s", p.Number, p.ETag, etag)
		}
	}
	return sorted, nil
}

// orderParts returns a sorted copy of parts after checking that the numbers
// run 1..N with no gaps or duplicates.
func orderParts(parts []Part) ([]Part, error) {
	if len(parts) == 0 {
		return nil, serr.Newf(serr.ErrPartMissing, "the completion list is empty")
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})

	for i, p := range sorted {
		if p.Number < 1 {
			return nil, serr.Newf(serr.ErrInvalidPart, "part number %d is not positive", p.Number)
		}
		if want := i + 1; p.Number != want {
			if i > 0 && p.Number == sorted[i-1].Number {
				return nil, serr.Newf(serr.ErrInvalidPart, "part %d is listed more than once", p.Number)
			}
			return nil, serr.Newf(serr.ErrPartMissing, "part %d is missing from the completion list", want)
		}
	}
	return sorted, nil
}

// Assemble streams the payloads of parts, which must already be validated and
// sorted, into w. Each payload is re-hashed while copying and compared with
// its listed etag. After a part has been copied and verified, consumed is
// called so the caller can discard the staged payload.
//
// It returns the total number of bytes written and the composite etag
// (md5 of the concatenated part digests, suffixed with the part count).
func Assemble(ctx context.Context, w io.Writer, parts []Part, open PartSource, consumed func(number int) error) (int64, string, error) {
	composite := md5.New()
	var total int64

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return total, "", err
		}

		n, digest, err := copyPart(w, p.Number, open)
		if err != nil {
			return total, "", err
		}
		total += n

		if hex.EncodeToString(digest) != normalizeETag(p.ETag) {
			return total, "", serr.Newf(serr.ErrIntegrityMismatch, "stored content of part %d does not match etag %s", p.Number, p.ETag)
		}
		composite.Write(digest)

		if consumed != nil {
			if err := consumed(p.Number); err != nil {
				return total, "", err
			}
		}
	}

	return total, compositeETag(composite, len(parts)), nil
}

func copyPart(w io.Writer, number int, open PartSource) (int64, []byte, error) {
	rc, err := open(number)
	if err != nil {
		return 0, nil, err
	}
	defer rc.Close()

	h := md5.New()
	n, err := io.Copy(w, io.TeeReader(rc, h))
	if err != nil {
		return n, nil, serr.Wrap(serr.ErrIOFailure, err, fmt.Sprintf("copying part %d", number))
	}
	return n, h.Sum(nil), nil
}

func compositeETag(h hash.Hash, count int) string {
	return quoteETag(fmt.Sprintf("%x-%d", h.Sum(nil), count))
}
