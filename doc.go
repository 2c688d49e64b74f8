/*
Package torrenthandler downloads the content of a magnet link into a directory.

A Session owns at most one download at a time:

	s := torrenthandler.NewSession(torrenthandler.NewDefaultConfig())
	dir, err := s.Start("magnet:?xt=urn:btih:ZOCMZQIPFFW7OLLMIC5HUB6BPCSDEOQU", "/tmp/dl")
	if err != nil {
		log.Fatal(err)
	}
	s.WaitMetadata(ctx)
	log.Print(s.GetFiles())
	s.Stop()

Metadata is resolved from the resume database in the download directory, exact source URLs, or
peers. Verified pieces are recorded there too, so starting the same magnet in the same directory
resumes where it left off.
*/
package torrenthandler
