/*
Package atomicfile writes archive files so that concurrent readers never
observe a partially written file.

Data goes to a hidden temporary sibling (".<name>.tmp<random>") which is
renamed over the destination on Close(). Errors from Write() or Close()
remove the temporary file and leave the destination untouched.

Aliases registered with AddAlias() are created as hard links after the
rename. An alias that already exists is not an error, which makes
two concurrent writers of the same entry harmless:

	func writeEntry(path string, alias string, data []byte) error {
		w, err := atomicfile.New(path)
		if err != nil {
			return err
		}
		// calling Close() twice is a no-op
		defer w.Close()
		w.AddAlias(alias)

		_, err = w.Write(data)
		if err != nil {
			return err
		}
		return w.Close()
	}
*/
package atomicfile
