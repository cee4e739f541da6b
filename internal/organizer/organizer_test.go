package organizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/pkg/logging"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`Show: The "Best" One?`:   "Show The Best One",
		`a<b>c|d*e`:               "abcde",
		"  spaced   out  title  ": "spaced out title",
		"clean name":              "clean name",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

func TestDetectLibraryType(t *testing.T) {
	cases := map[string]string{
		"Movies":          store.CategoryMovies,
		"My Film Vault":   store.CategoryMovies,
		"TV Shows":        store.CategoryTV,
		"Anime Series":    store.CategoryTV,
		"Season Archive":  store.CategoryTV,
		"Random Stuff":    store.CategoryOther,
		"Concert Footage": store.CategoryOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, DetectLibraryType(in), "input %q", in)
	}
}

func newTestOrganizer(t *testing.T) (*Organizer, string, string) {
	t.Helper()
	downloadRoot := t.TempDir()
	mediaRoot := t.TempDir()
	o := New(Config{DownloadRoot: downloadRoot, MediaRoot: mediaRoot, Logger: logging.NewLogger()})
	return o, downloadRoot, mediaRoot
}

func stageFile(t *testing.T, downloadRoot, id, ext string) string {
	t.Helper()
	dir := filepath.Join(downloadRoot, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, id+ext)
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))
	return path
}

func TestMoveTVDefaultsToS01E01(t *testing.T) {
	o, downloadRoot, mediaRoot := newTestOrganizer(t)
	src := stageFile(t, downloadRoot, "job1", ".mkv")

	lib := &store.Library{ID: "lib1", Name: "Anime", Path: "anime", Type: store.CategoryTV}
	d := &store.Download{ID: "job1", Title: "Great Show", Category: store.CategoryTV, FilePath: &src}

	dst, err := o.Move(d, lib)
	require.NoError(t, err)

	want := filepath.Join(mediaRoot, "anime", "Series", "Great Show", "Season 01", "Great Show - S01E01.mkv")
	assert.Equal(t, want, dst)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, src)
	// Emptied staging directory is pruned.
	assert.NoDirExists(t, filepath.Join(downloadRoot, "job1"))
}

func TestMoveTVWithExplicitSeasonEpisode(t *testing.T) {
	o, downloadRoot, mediaRoot := newTestOrganizer(t)
	src := stageFile(t, downloadRoot, "job2", ".mp4")

	season, episode := 3, 12
	lib := &store.Library{ID: "lib1", Name: "Anime", Path: "anime", Type: store.CategoryTV}
	d := &store.Download{
		ID: "job2", Title: "Great Show", Category: store.CategoryTV,
		Season: &season, Episode: &episode, FilePath: &src,
	}

	dst, err := o.Move(d, lib)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mediaRoot, "anime", "Series", "Great Show", "Season 03", "Great Show - S03E12.mp4"), dst)
}

func TestMoveMovieSanitizesTitle(t *testing.T) {
	o, downloadRoot, mediaRoot := newTestOrganizer(t)
	src := stageFile(t, downloadRoot, "job3", ".mkv")

	lib := &store.Library{ID: "lib1", Name: "Movies", Path: "movies", Type: store.CategoryMovies}
	d := &store.Download{ID: "job3", Title: `The Movie: Part 2?`, Category: store.CategoryMovies, FilePath: &src}

	dst, err := o.Move(d, lib)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mediaRoot, "movies", "Movies", "The Movie Part 2", "The Movie Part 2.mkv"), dst)
}

func TestMoveAbsoluteLibraryPath(t *testing.T) {
	o, downloadRoot, _ := newTestOrganizer(t)
	src := stageFile(t, downloadRoot, "job4", ".mkv")
	libRoot := t.TempDir()

	lib := &store.Library{ID: "lib1", Name: "Other", Path: libRoot, Type: store.CategoryOther}
	d := &store.Download{ID: "job4", Title: "Misc", Category: store.CategoryOther, FilePath: &src}

	dst, err := o.Move(d, lib)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(libRoot, "Other", "Misc", "job4.mkv"), dst)
}

func TestMoveWithoutFileFails(t *testing.T) {
	o, _, _ := newTestOrganizer(t)
	lib := &store.Library{ID: "lib1", Name: "Movies", Path: "movies", Type: store.CategoryMovies}

	_, err := o.Move(&store.Download{ID: "job5", Title: "x", Category: store.CategoryMovies}, lib)
	assert.Error(t, err)
}

func TestUnmoveRestoresStagingLayout(t *testing.T) {
	o, downloadRoot, _ := newTestOrganizer(t)
	src := stageFile(t, downloadRoot, "job6", ".mkv")

	lib := &store.Library{ID: "lib1", Name: "Anime", Path: "anime", Type: store.CategoryTV}
	d := &store.Download{ID: "job6", Title: "Great Show", Category: store.CategoryTV, FilePath: &src}

	moved, err := o.Move(d, lib)
	require.NoError(t, err)

	d.FilePath = &moved
	restored, err := o.Unmove(d)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(downloadRoot, "job6", "job6.mkv"), restored)
	assert.FileExists(t, restored)
	assert.NoFileExists(t, moved)
}
