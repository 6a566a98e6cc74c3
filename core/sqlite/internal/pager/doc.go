/*
Package pager reads and writes fixed-size database pages, caches them, and
makes groups of page writes atomic with a rollback journal.

The on-disk format is the SQLite database file format. Page 1 begins with
the 100-byte database header; byte 20 of that header holds the number of
reserved bytes at the end of every page, which is where a page codec keeps
its nonce and MAC.

# Codec hook

When Options.Codec is set, every page crossing the file boundary goes
through it:

  - pages read from the database file are decoded with the previous key
  - dirty pages written at commit are encoded with the current key
  - original page images written to the journal are encoded with the
    previous key, so playback restores pages the old key can read

Outside a re-key both keys are the same. The cache always holds plaintext.

On open the page size and reserved width are read from the clear bytes
16..23 of page 1, reported to the codec, and only then is page 1 decoded
and its header validated. A wrong key fails there.

# Transactions

	p, err := pager.Open("app.db", pager.Options{Codec: c})
	if err != nil {
		return err
	}
	defer p.Close()

	page, err := p.Get(2)
	if err != nil {
		return err
	}
	defer p.Put(page)

	if err := p.Write(page); err != nil { // journal, mark dirty
		return err
	}
	if err := page.Write(0, data); err != nil {
		return err
	}
	return p.Commit()

Commit is split in two phases for callers that must act between them:
CommitPhaseOne syncs the journal, writes the dirty pages and syncs the
file; CommitPhaseTwo deletes the journal. Rollback plays the journal back,
truncates appended pages and restores the reserved width the transaction
started with. A journal left behind by a crash is played back by the next
Open.

# Limitations

  - one process, one connection: there is no file locking
  - delete journal mode only, no WAL
  - the cache limit is soft; dirty pages are never spilled before commit
*/
package pager
