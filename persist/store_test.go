package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "test-account"

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store, fresh func(t *testing.T) Store) {
	// Shared test data
	deviceData := []byte(`{"id":"dev-1","name":"Laptop","status":"pending"}`)
	recoveryData := []byte(`{"version":1,"encrypted_umk":"b64","nonce":"b64","salt":"b64"}`)

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Device record operations
	var deviceVersion string
	t.Run("SaveDevice", func(t *testing.T) {
		version, err := store.SaveDevice("dev-1", deviceData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		deviceVersion = version
	})

	t.Run("DeviceExists", func(t *testing.T) {
		exists, err := store.DeviceExists("dev-1")
		require.NoError(t, err)
		assert.True(t, exists, "Device should exist after saving")
	})

	t.Run("LoadDevice", func(t *testing.T) {
		doc, err := store.LoadDevice("dev-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, deviceData, doc.Data, "Loaded device should match saved device")
		assert.Equal(t, deviceVersion, doc.Version, "Version should match")
		assert.Equal(t, "dev-1", doc.ID)
		assert.False(t, doc.Timestamp.IsZero(), "Timestamp should be set")
	})

	t.Run("ListAccounts", func(t *testing.T) {
		accounts, err := store.ListAccounts()
		require.NoError(t, err)
		assert.Contains(t, accounts, testAccount)
	})

	t.Run("ListDevices", func(t *testing.T) {
		_, err := store.SaveDevice("dev-2", []byte(`{"id":"dev-2"}`), "")
		require.NoError(t, err)
		_, err = store.SaveDevice("dev-3", []byte(`{"id":"dev-3"}`), "")
		require.NoError(t, err)

		docs, err := store.ListDevices()
		require.NoError(t, err)

		ids := make(map[string]bool)
		for _, doc := range docs {
			ids[doc.ID] = true
		}
		assert.True(t, ids["dev-1"], "dev-1 should be listed")
		assert.True(t, ids["dev-2"], "dev-2 should be listed")
		assert.True(t, ids["dev-3"], "dev-3 should be listed")
	})

	t.Run("DeleteDevice", func(t *testing.T) {
		err := store.DeleteDevice("dev-3")
		require.NoError(t, err)

		exists, err := store.DeviceExists("dev-3")
		require.NoError(t, err)
		assert.False(t, exists, "Device should not exist after deletion")
	})

	t.Run("DeleteAbsentDevice", func(t *testing.T) {
		err := store.DeleteDevice("dev-3")
		assert.NoError(t, err, "Deleting an absent device should not error")
	})

	// Optimistic locking tests
	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("VersionConflict", func(t *testing.T) {
			version1, err := store.SaveDevice("dev-lock", deviceData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version1)

			doc, err := store.LoadDevice("dev-lock")
			require.NoError(t, err)
			require.NotEmpty(t, doc.Version)

			modifiedData := []byte(`{"id":"dev-lock","name":"Renamed Laptop"}`)

			// Save with current version (this should succeed)
			version2, err := store.SaveDevice("dev-lock", modifiedData, doc.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			// Now try to save again with the old version (this should fail)
			_, err = store.SaveDevice("dev-lock", []byte(`{"id":"dev-lock","name":"Stale"}`), version1)
			require.Error(t, err, "Should return an error for version conflict")

			var concErr ConcurrencyError
			require.True(t, errors.As(err, &concErr), "Error should be a ConcurrencyError, got %T: %v", err, err)
			assert.Equal(t, version1, concErr.ExpectedVersion)
			assert.Equal(t, version2, concErr.ActualVersion)
			assert.Equal(t, "SaveDevice", concErr.Operation)
		})

		t.Run("ValidVersionChain", func(t *testing.T) {
			currentVersion, err := store.SaveDevice("dev-chain", []byte(`{"n":0}`), "")
			require.NoError(t, err)

			for i := 1; i <= 5; i++ {
				updateData := []byte(fmt.Sprintf(`{"n":%d}`, i))
				newVersion, err := store.SaveDevice("dev-chain", updateData, currentVersion)
				require.NoError(t, err, "Update %d should succeed", i)
				assert.NotEqual(t, currentVersion, newVersion, "Version should change on update %d", i)
				currentVersion = newVersion

				doc, err := store.LoadDevice("dev-chain")
				require.NoError(t, err)
				assert.Equal(t, updateData, doc.Data, "Data should match for update %d", i)
				assert.Equal(t, newVersion, doc.Version, "Version should match for update %d", i)
			}
		})

		t.Run("EmptyVersionOnFirstSave", func(t *testing.T) {
			version, err := store.SaveDevice("dev-first", deviceData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version)
		})
	})

	// Recovery key operations
	var recoveryVersion string
	t.Run("SaveRecoveryKey", func(t *testing.T) {
		version, err := store.SaveRecoveryKey(recoveryData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version)
		recoveryVersion = version
	})

	t.Run("RecoveryKeyExists", func(t *testing.T) {
		exists, err := store.RecoveryKeyExists()
		require.NoError(t, err)
		assert.True(t, exists, "Recovery key should exist after saving")
	})

	t.Run("LoadRecoveryKey", func(t *testing.T) {
		doc, err := store.LoadRecoveryKey()
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, recoveryData, doc.Data)
		assert.Equal(t, recoveryVersion, doc.Version)
	})

	t.Run("DeleteRecoveryKey", func(t *testing.T) {
		err := store.DeleteRecoveryKey()
		require.NoError(t, err)

		exists, err := store.RecoveryKeyExists()
		require.NoError(t, err)
		assert.False(t, exists, "Recovery key should not exist after deletion")

		// Deleting again is not an error
		assert.NoError(t, store.DeleteRecoveryKey())
	})

	// Batch operations
	t.Run("ApplyDeviceBatch", func(t *testing.T) {
		ops := []BatchOp{
			{Kind: BatchPut, DeviceID: "batch-1", Data: []byte(`{"id":"batch-1"}`)},
			{Kind: BatchPut, DeviceID: "batch-2", Data: []byte(`{"id":"batch-2"}`)},
			{Kind: BatchDelete, DeviceID: "dev-2"},
		}
		err := store.ApplyDeviceBatch(ops)
		require.NoError(t, err)

		exists, err := store.DeviceExists("batch-1")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.DeviceExists("batch-2")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.DeviceExists("dev-2")
		require.NoError(t, err)
		assert.False(t, exists, "dev-2 should be deleted by the batch")
	})

	// Watch subscriptions
	t.Run("WatchDevices", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := store.WatchDevices(ctx)
		require.NoError(t, err)

		// Keep writing fresh revisions until the watcher reports one. A
		// single write can race a poll-based watcher's baseline snapshot.
		stop, done := startRevisionWriter(store, "dev-watch")

		event := waitForDeviceEvent(t, events, EventPut, "dev-watch")
		close(stop)
		<-done
		require.NotNil(t, event.Doc)
		assert.NotEmpty(t, event.Doc.Data)

		err = store.DeleteDevice("dev-watch")
		require.NoError(t, err)

		waitForDeviceEvent(t, events, EventDelete, "dev-watch")
	})

	t.Run("WatchDevice", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := store.WatchDevice(ctx, "dev-solo")
		require.NoError(t, err)

		// A change to another device must not reach this subscription.
		_, err = store.SaveDevice("dev-other", []byte(`{"id":"dev-other"}`), "")
		require.NoError(t, err)

		stop, done := startRevisionWriter(store, "dev-solo")

		event := waitForDeviceEvent(t, events, EventPut, "dev-solo")
		close(stop)
		<-done
		assert.Equal(t, "dev-solo", event.DeviceID)

		// Brief drain: anything else arriving must still be for dev-solo.
		select {
		case extra, ok := <-events:
			if ok {
				assert.Equal(t, "dev-solo", extra.DeviceID,
					"single-device watch must filter out other devices")
			}
		case <-time.After(300 * time.Millisecond):
		}
	})

	// Error handling tests
	t.Run("ErrorHandling", func(t *testing.T) {
		t.Run("LoadNonexistentDevice", func(t *testing.T) {
			testStore := fresh(t)

			doc, err := testStore.LoadDevice("no-such-device")
			require.Error(t, err, "Loading a nonexistent device should return an error")
			assert.True(t, errors.Is(err, ErrNotFound), "Error should wrap ErrNotFound, got: %v", err)
			assert.Nil(t, doc)
		})

		t.Run("LoadNonexistentRecoveryKey", func(t *testing.T) {
			testStore := fresh(t)

			exists, err := testStore.RecoveryKeyExists()
			require.NoError(t, err)
			require.False(t, exists, "Fresh store should have no recovery key")

			doc, err := testStore.LoadRecoveryKey()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound), "Error should wrap ErrNotFound, got: %v", err)
			assert.Nil(t, doc)
		})

		t.Run("InvalidDeviceID", func(t *testing.T) {
			badIDs := []string{"", "a/b", "..", "a b", "a\\b"}
			for _, id := range badIDs {
				_, err := store.SaveDevice(id, deviceData, "")
				assert.Error(t, err, "Saving with device ID %q should fail", id)
			}
		})
	})

	// Concurrency tests
	t.Run("ConcurrentOperations", func(t *testing.T) {
		_, err := store.SaveDevice("dev-conc", deviceData, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 20)

		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func(id int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf(`{"writer":%d}`, id))
				if _, err := store.SaveDevice(fmt.Sprintf("dev-conc-%d", id), data, ""); err != nil {
					errs <- err
				}
			}(i)
			go func() {
				defer wg.Done()
				if _, err := store.LoadDevice("dev-conc"); err != nil {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		var errorList []error
		for err := range errs {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)
	})

	// Edge cases with versioning
	t.Run("EdgeCases", func(t *testing.T) {
		t.Run("EmptyData", func(t *testing.T) {
			version, err := store.SaveDevice("dev-empty", []byte{}, "")
			require.NoError(t, err, "Should handle empty data")
			assert.NotEmpty(t, version, "Should return version for empty data")

			doc, err := store.LoadDevice("dev-empty")
			require.NoError(t, err)
			assert.Len(t, doc.Data, 0, "Data should be empty")
			assert.Equal(t, version, doc.Version)
		})

		t.Run("LargeData", func(t *testing.T) {
			largeData := make([]byte, 256*1024)
			for i := range largeData {
				largeData[i] = byte(i % 256)
			}

			version, err := store.SaveDevice("dev-large", largeData, "")
			require.NoError(t, err, "Should handle large data")

			doc, err := store.LoadDevice("dev-large")
			require.NoError(t, err)
			assert.Equal(t, largeData, doc.Data, "Large data should match")
			assert.Equal(t, version, doc.Version)
		})

		t.Run("InvalidVersion", func(t *testing.T) {
			_, err := store.SaveDevice("dev-1", deviceData, "invalid-version-12345")
			require.Error(t, err, "Should fail with a version that never existed")
			assert.Contains(t, err.Error(), "version conflict")
		})

		t.Run("VersionIsContentDerived", func(t *testing.T) {
			// Same bytes produce the same version across documents.
			v1, err := store.SaveDevice("dev-same-a", []byte("identical"), "")
			require.NoError(t, err)
			v2, err := store.SaveDevice("dev-same-b", []byte("identical"), "")
			require.NoError(t, err)
			assert.Equal(t, v1, v2, "Versions should be content-derived")
		})
	})

	// Account deletion test (should be last as it removes data)
	t.Run("DeleteAccount", func(t *testing.T) {
		_, err := store.SaveDevice("dev-final", deviceData, "")
		require.NoError(t, err)
		_, err = store.SaveRecoveryKey(recoveryData, "")
		require.NoError(t, err)

		err = store.DeleteAccount(testAccount)
		require.NoError(t, err)

		docs, err := store.ListDevices()
		require.NoError(t, err)
		assert.Empty(t, docs, "No devices should remain after account deletion")

		exists, err := store.RecoveryKeyExists()
		require.NoError(t, err)
		assert.False(t, exists, "Recovery key should be gone after account deletion")
	})

	// Cleanup and close
	t.Run("Close", func(t *testing.T) {
		err := store.Close()
		assert.NoError(t, err, "Store should close without error")
	})
}

// startRevisionWriter saves a new revision of deviceID every few hundred
// milliseconds until stop is closed. Each revision has distinct content, so
// every poll cycle after the baseline sees a version change.
func startRevisionWriter(store Store, deviceID string) (stop chan struct{}, done chan struct{}) {
	stop = make(chan struct{})
	done = make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			data := []byte(fmt.Sprintf(`{"id":%q,"rev":%d}`, deviceID, i))
			_, _ = store.SaveDevice(deviceID, data, "")
			select {
			case <-stop:
				return
			case <-time.After(400 * time.Millisecond):
			}
		}
	}()
	return stop, done
}

// waitForDeviceEvent drains the channel until an event of the wanted type and
// device arrives. Poll-based watchers may take a few intervals; fail after a
// generous deadline.
func waitForDeviceEvent(t *testing.T, events <-chan DeviceEvent, wantType EventType, wantDevice string) DeviceEvent {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("watch channel closed while waiting for %s of %s", wantType, wantDevice)
			}
			if event.Type == wantType && event.DeviceID == wantDevice {
				return event
			}
			t.Logf("Skipping event %s/%s", event.Type, event.DeviceID)
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event of %s", wantType, wantDevice)
		}
	}
}
