package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datasync/engine/internal/syncmodel"
)

type staticTokens struct {
	userID, idToken string
	ok              bool
}

func (s staticTokens) Current() (string, string, bool) { return s.userID, s.idToken, s.ok }

func TestClassifyMapsStatusCodesToErrorKinds(t *testing.T) {
	require.Equal(t, syncmodel.Authentication, classify(&statusError{status: http.StatusUnauthorized}).Kind)
	require.Equal(t, syncmodel.Authentication, classify(&statusError{status: http.StatusForbidden}).Kind)
	require.Equal(t, syncmodel.TransientNetwork, classify(&statusError{status: http.StatusInternalServerError}).Kind)
	require.Equal(t, syncmodel.PermanentRemote, classify(&statusError{status: http.StatusNotFound}).Kind)
	require.Equal(t, syncmodel.Cancelled, classify(context.Canceled).Kind)
}

func TestToFromDTORoundTrip(t *testing.T) {
	modified := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := syncmodel.CloudData{
		Key:      syncmodel.ObjectKey{Table: "todos", RowID: "7"},
		Data:     syncmodel.Fields{"title": "buy milk"},
		Modified: modified,
		Version:  "v1",
	}
	c := &HTTPConnector{DeviceID: "dev-1"}
	dto := c.toDTO("todos", d)
	require.Equal(t, "7", dto.Key)
	require.False(t, dto.Deleted)
	require.Equal(t, "dev-1", dto.Device)

	back, err := fromDTO("todos", dto)
	require.NoError(t, err)
	require.Equal(t, d.Key, back.Key)
	require.Equal(t, d.Data, back.Data)
	require.True(t, d.Modified.Equal(back.Modified))
}

func TestFromDTOTombstoneHasNilData(t *testing.T) {
	dto := changeDTO{Table: "todos", Key: "1", Modified: time.Now().UTC().Format(time.RFC3339Nano), Deleted: true, Data: map[string]any{"stale": "x"}}
	back, err := fromDTO("todos", dto)
	require.NoError(t, err)
	require.Nil(t, back.Data)
	require.True(t, back.Deleted())
}

func TestHTTPConnectorGetChangesSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		resp := changesResponse{
			Changes: []changeDTO{
				{Table: "todos", Key: "1", Modified: time.Now().UTC().Format(time.RFC3339Nano), Data: map[string]any{"title": "a"}},
			},
			HasMore: false,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	_, events := c.GetChanges(context.Background(), "todos", nil)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	downloaded, ok := got[0].(Downloaded)
	require.True(t, ok)
	require.Len(t, downloaded.Batch, 1)
	require.False(t, downloaded.HasMore)
	_, ok = got[1].(SyncDone)
	require.True(t, ok)
}

func TestHTTPConnectorGetChangesExcludesOwnDeviceAndUploadTagsDevice(t *testing.T) {
	var gotExclude string
	var gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gotExclude = r.URL.Query().Get("exclude_device")
			json.NewEncoder(w).Encode(changesResponse{})
		case http.MethodPost:
			var dto changeDTO
			json.NewDecoder(r.Body).Decode(&dto)
			gotDevice = dto.Device
			json.NewEncoder(w).Encode(uploadResponse{Modified: time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	c.DeviceID = "dev-42"

	_, events := c.GetChanges(context.Background(), "todos", nil)
	for range events {
	}
	require.Equal(t, "dev-42", gotExclude)

	_, uploadEvents := c.UploadChange(context.Background(), syncmodel.CloudData{
		Key: syncmodel.ObjectKey{Table: "todos", RowID: "1"}, Modified: time.Now(),
	})
	<-uploadEvents
	require.Equal(t, "dev-42", gotDevice)
}

func TestHTTPConnectorGetChangesNoCredentialYieldsErrorEvent(t *testing.T) {
	c := New("http://example.invalid", staticTokens{ok: false})
	_, events := c.GetChanges(context.Background(), "todos", nil)

	ev := <-events
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok)
	require.NotNil(t, errEv.Err)
}

func TestHTTPConnectorUploadChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(uploadResponse{Modified: time.Now().UTC().Format(time.RFC3339Nano)})
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	_, events := c.UploadChange(context.Background(), syncmodel.CloudData{
		Key:      syncmodel.ObjectKey{Table: "todos", RowID: "1"},
		Data:     syncmodel.Fields{"title": "x"},
		Modified: time.Now(),
	})

	ev := <-events
	uploaded, ok := ev.(Uploaded)
	require.True(t, ok)
	require.Equal(t, "1", uploaded.Key.RowID)
}

func TestHTTPConnectorUploadChangeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	_, events := c.UploadChange(context.Background(), syncmodel.CloudData{
		Key: syncmodel.ObjectKey{Table: "todos", RowID: "1"}, Modified: time.Now(),
	})

	ev := <-events
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok)
	require.Equal(t, syncmodel.TransientNetwork, errEv.Err.Kind)
}

func TestHTTPConnectorRemoveTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	_, events := c.RemoveTable(context.Background(), "todos")

	ev := <-events
	removed, ok := ev.(TableRemoved)
	require.True(t, ok)
	require.Equal(t, "todos", removed.Table)
}

func TestHTTPConnectorRemoveUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	_, events := c.RemoveUser(context.Background())

	ev := <-events
	_, ok := ev.(RemovedUser)
	require.True(t, ok)
}

func TestHTTPConnectorCancelStopsInFlightCall(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.URL, staticTokens{userID: "u", idToken: "tok", ok: true})
	c.HTTP.Timeout = 0
	token, events := c.GetChanges(context.Background(), "todos", nil)
	c.Cancel(token)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the in-flight request")
	}
}
