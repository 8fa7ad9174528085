package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrab/internal/failure"
	"mediagrab/internal/media"
	"mediagrab/internal/retry"
)

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestResolveThroughResolverAPI(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bilibili", r.URL.Query().Get("platform"))
		assert.Equal(t, "ABC123", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"title":"Test","streams":{"audio":[{"id":192,"baseUrl":"https://cdn/a"}]}}`))
	})

	r := New(Config{ResolverURL: srv.URL, Retry: testPolicy()}, srv.Client())
	got, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/ABC123")
	require.NoError(t, err)

	assert.Equal(t, "Test", got.Title)
	assert.Equal(t, "ABC123", got.ContentID)
	if diff := cmp.Diff([]media.StreamVariant{{QualityID: 192, URL: "https://cdn/a"}}, got.AudioStreams); diff != "" {
		t.Errorf("AudioStreams mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, got.VideoStreams)
	assert.False(t, got.MultiPart)
}

func TestResolveRejectedAfterOneAttempt(t *testing.T) {
	srv, hits := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	r := New(Config{ResolverURL: srv.URL, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/ABC123")
	require.Error(t, err)

	assert.Equal(t, failure.UpstreamRejected, failure.KindOf(err))
	assert.Equal(t, "not found", failure.Message(err))
	assert.Equal(t, int32(1), hits.Load())

	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, ex.Attempts)
}

func TestResolveRetriesUnavailableUpstream(t *testing.T) {
	srv, hits := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r := New(Config{ResolverURL: srv.URL, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/ABC123")
	assert.Equal(t, failure.UpstreamUnavailable, failure.KindOf(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveEmptyStreams(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":"Empty","streams":{"audio":[],"video":[]}}`))
	})

	r := New(Config{ResolverURL: srv.URL, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/ABC123")
	assert.Equal(t, failure.NoStreamsFound, failure.KindOf(err))
}

func TestResolveShapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing title", `{"streams":{"audio":[{"id":192,"baseUrl":"https://cdn/a"}]}}`},
		{"missing streams", `{"title":"Test"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			r := New(Config{ResolverURL: srv.URL, Retry: testPolicy()}, srv.Client())
			_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/ABC123")
			assert.Equal(t, failure.UpstreamShapeError, failure.KindOf(err))
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestResolveInvalidIdentifier(t *testing.T) {
	r := New(Config{Retry: testPolicy()}, http.DefaultClient)
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/")
	assert.Equal(t, failure.InvalidIdentifier, failure.KindOf(err))
}

func TestResolveUnsupportedPlatform(t *testing.T) {
	r := New(Config{Retry: testPolicy()}, http.DefaultClient)
	_, err := r.Resolve(context.Background(), media.Unknown, "https://example.com/video/1")
	assert.Equal(t, failure.UnsupportedPlatform, failure.KindOf(err))
}

func bilibiliHandler(t *testing.T, pages string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.bilibili.com", r.Header.Get("Referer"))
		q := r.URL.Query()
		switch r.URL.Path {
		case "/x/web-interface/view":
			if q.Get("bvid") != "BV1xx411c7mD" {
				_, _ = w.Write([]byte(`{"code":-404,"message":"啥都木有"}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":0,"data":{"bvid":"BV1xx411c7mD","title":"Song","cid":100,"duration":245,"pages":` + pages + `}}`))
		case "/x/player/wbi/playurl":
			assert.Equal(t, "4048", q.Get("fnval"))
			assert.Equal(t, "192", q.Get("qn"))
			cid := q.Get("cid")
			_, _ = w.Write([]byte(`{"code":0,"data":{"dash":{
				"audio":[{"id":132,"baseUrl":"https://cdn/` + cid + `/132.m4s"},{"id":320,"baseUrl":"https://cdn/` + cid + `/320.m4s?deadline=1700000000"}],
				"video":[{"id":80,"baseUrl":"https://cdn/` + cid + `/80.m4s"}]}}}`))
		default:
			http.NotFound(w, r)
		}
	}
}

func TestResolveBilibiliNative(t *testing.T) {
	srv, _ := newServer(t, bilibiliHandler(t, `[{"cid":100,"page":1,"part":"Song","duration":245}]`))

	r := New(Config{BilibiliAPI: srv.URL, Quality: media.High, Retry: testPolicy()}, srv.Client())
	got, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD")
	require.NoError(t, err)

	assert.Equal(t, "Song", got.Title)
	assert.Equal(t, 245, got.DurationSeconds)
	assert.False(t, got.MultiPart)
	assert.Nil(t, got.Parts)
	require.Len(t, got.AudioStreams, 2)
	assert.Equal(t, 320, got.AudioStreams[0].QualityID, "best first")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got.AudioStreams[0].ExpiresAt)
	assert.Equal(t, "https://www.bilibili.com", got.Headers["Referer"])

	// Highest preference falls back to what exists.
	v, ok := media.Select(got.AudioStreams, media.Highest.AudioCode())
	require.True(t, ok)
	assert.Equal(t, 320, v.QualityID)
	v, _ = media.Select(got.AudioStreams, media.High.AudioCode())
	assert.Equal(t, 320, v.QualityID)
}

func TestResolveBilibiliNotFound(t *testing.T) {
	srv, hits := newServer(t, bilibiliHandler(t, `[]`))

	r := New(Config{BilibiliAPI: srv.URL, Quality: media.High, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1doesnotexist")
	assert.Equal(t, failure.UpstreamRejected, failure.KindOf(err))
	assert.Equal(t, "啥都木有", failure.Message(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveBilibiliMultiPart(t *testing.T) {
	pages := `[{"cid":100,"page":1,"part":"Intro","duration":60},{"cid":200,"page":2,"part":"Main","duration":185}]`
	srv, _ := newServer(t, bilibiliHandler(t, pages))

	r := New(Config{BilibiliAPI: srv.URL, Quality: media.High, Retry: testPolicy()}, srv.Client())
	got, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD?p=2")
	require.NoError(t, err)

	assert.True(t, got.MultiPart)
	assert.Equal(t, 2, got.CurrentPart)
	require.Len(t, got.Parts, 2)
	for _, p := range got.Parts {
		assert.NotEmpty(t, p.AudioStreams, "part %d", p.Page)
	}
	assert.Equal(t, "https://cdn/200/320.m4s?deadline=1700000000", got.AudioStreams[0].URL)

	part, err := r.ResolvePart(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD", 1)
	require.NoError(t, err)
	assert.Equal(t, "Intro", part.Title)
	assert.Equal(t, "https://cdn/100/320.m4s?deadline=1700000000", part.AudioStreams[0].URL)

	_, err = r.ResolvePart(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD", 9)
	assert.Equal(t, failure.InvalidIdentifier, failure.KindOf(err))
}

func TestResolveSelectedPartIgnoresFailingSibling(t *testing.T) {
	pages := `[{"cid":100,"page":1,"part":"Intro","duration":60},{"cid":200,"page":2,"part":"Removed","duration":185}]`
	ok := bilibiliHandler(t, pages)
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/x/player/wbi/playurl" && r.URL.Query().Get("cid") == "200" {
			_, _ = w.Write([]byte(`{"code":-404,"message":"part removed"}`))
			return
		}
		ok(w, r)
	})

	r := New(Config{BilibiliAPI: srv.URL, Quality: media.High, Retry: testPolicy()}, srv.Client())
	got, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD?p=1")
	require.NoError(t, err)

	assert.Equal(t, 1, got.CurrentPart)
	require.Len(t, got.Parts, 2)
	assert.Equal(t, "Removed", got.Parts[1].Title)
	assert.Empty(t, got.Parts[1].AudioStreams)
	assert.Equal(t, "https://cdn/100/320.m4s?deadline=1700000000", got.AudioStreams[0].URL)

	_, err = r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD?p=2")
	assert.Equal(t, failure.UpstreamRejected, failure.KindOf(err))
	assert.Equal(t, "part removed", failure.Message(err))
}

func TestResolveDefaultsToHighQuality(t *testing.T) {
	// bilibiliHandler asserts qn=192.
	srv, _ := newServer(t, bilibiliHandler(t, `[{"cid":100,"page":1,"part":"Song","duration":245}]`))

	r := New(Config{BilibiliAPI: srv.URL, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/BV1xx411c7mD")
	require.NoError(t, err)
}

func TestResolveBilibiliAVID(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Empty(t, q.Get("bvid"))
		assert.Equal(t, "170001", q.Get("aid"))
		switch r.URL.Path {
		case "/x/web-interface/view":
			_, _ = w.Write([]byte(`{"code":0,"data":{"bvid":"BV17x411w7KC","title":"Old","cid":279786,"duration":30,"pages":[]}}`))
		case "/x/player/wbi/playurl":
			assert.Equal(t, "279786", q.Get("cid"))
			_, _ = w.Write([]byte(`{"code":0,"data":{"dash":{"audio":[{"id":192,"baseUrl":"https://cdn/a.m4s"}],"video":[]}}}`))
		default:
			http.NotFound(w, r)
		}
	})

	r := New(Config{BilibiliAPI: srv.URL, Retry: testPolicy()}, srv.Client())
	got, err := r.Resolve(context.Background(), media.Bilibili, "https://www.bilibili.com/video/av170001")
	require.NoError(t, err)
	assert.Equal(t, "BV17x411w7KC", got.ContentID)
	assert.Equal(t, "https://cdn/a.m4s", got.AudioStreams[0].URL)
}

func TestResolveDouyinFieldMapping(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantTitle string
		wantVideo string
		wantAudio string
	}{
		{"flat", `{"title":"Dance","video_url":"https://v/1.mp4","music_url":"https://a/1.mp3"}`, "Dance", "https://v/1.mp4", "https://a/1.mp3"},
		{"desc and play_url", `{"desc":"Cat","play_url":"https://v/2.mp4"}`, "Cat", "https://v/2.mp4", ""},
		{"nested", `{"code":200,"data":{"desc":"Nested","downloadVideoUrl":"https://v/3.mp4","downloadAudioUrl":"https://a/3.mp3"}}`, "Nested", "https://v/3.mp4", "https://a/3.mp3"},
		{"no watermark preferred", `{"title":"T","video_url":"https://v/wm.mp4","nwm_video_url":"https://v/nwm.mp4"}`, "T", "https://v/nwm.mp4", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "https://www.douyin.com/video/7312345678901234567", r.URL.Query().Get("url"))
				_, _ = w.Write([]byte(tt.body))
			})
			r := New(Config{DouyinAPI: srv.URL, Retry: testPolicy()}, srv.Client())
			got, err := r.Resolve(context.Background(), media.Douyin, "https://www.douyin.com/video/7312345678901234567")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, "7312345678901234567", got.ContentID)
			if tt.wantVideo != "" {
				require.Len(t, got.VideoStreams, 1)
				assert.Equal(t, tt.wantVideo, got.VideoStreams[0].URL)
			}
			if tt.wantAudio != "" {
				require.Len(t, got.AudioStreams, 1)
				assert.Equal(t, tt.wantAudio, got.AudioStreams[0].URL)
			} else {
				assert.Empty(t, got.AudioStreams)
			}
		})
	}
}

func TestResolveDouyinMissingStreams(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title":"No links"}`))
	})
	r := New(Config{DouyinAPI: srv.URL, Retry: testPolicy()}, srv.Client())
	_, err := r.Resolve(context.Background(), media.Douyin, "https://www.douyin.com/video/7312345678901234567")
	assert.Equal(t, failure.UpstreamShapeError, failure.KindOf(err))
}

func TestPageFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want int
	}{
		{"https://www.bilibili.com/video/BV1xx411c7mD", 1},
		{"https://www.bilibili.com/video/BV1xx411c7mD?p=3", 3},
		{"https://www.bilibili.com/video/BV1xx411c7mD?p=0", 1},
		{"https://www.bilibili.com/video/BV1xx411c7mD?p=x", 1},
	}
	for _, tt := range tests {
		if got := pageFromURL(tt.url); got != tt.want {
			t.Errorf("pageFromURL(%q) = %d, want %d", tt.url, got, tt.want)
		}
	}
}
