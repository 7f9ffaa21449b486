package linkkey_test

import (
	"encoding/json"
	"testing"

	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/linkkey"
	"github.com/srg/btcore/internal/settings"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var (
	addr1 = device.MustParseAddress("11:22:33:44:55:66")
	addr2 = device.MustParseAddress("AA:BB:CC:DD:EE:FF")
	key1  = linkkey.Key{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	key2  = linkkey.Key{0xff, 0xee}
)

type StoreTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	holder *settings.MemoryStore
	store  *linkkey.Store
}

func (s *StoreTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.holder = settings.NewMemoryStore()
	s.store = linkkey.NewStore(s.holder, s.helper.Logger)
	s.Require().NoError(s.store.Open())
}

func (s *StoreTestSuite) TestPutGetRoundTrip() {
	s.Require().NoError(s.store.Put(addr1, key1, linkkey.TypeAuthenticatedP256))

	key, typ, err := s.store.Get(addr1)
	s.Require().NoError(err)
	s.Equal(key1, key, "get MUST return the key that was put")
	s.Equal(linkkey.TypeAuthenticatedP256, typ)
}

func (s *StoreTestSuite) TestDeleteThenGet() {
	s.Require().NoError(s.store.Put(addr1, key1, linkkey.TypeCombination))
	s.Require().NoError(s.store.Delete(addr1))

	_, _, err := s.store.Get(addr1)
	s.ErrorIs(err, linkkey.ErrNotFound, "deleted key MUST be not found")
	s.NoError(s.store.Delete(addr1), "deleting an unknown address MUST NOT fail")
}

func (s *StoreTestSuite) TestPutReplacesExisting() {
	// GOAL: Verify one address never holds two link keys
	//
	// TEST SCENARIO: Put twice for the same address → one entry with the newest key

	s.Require().NoError(s.store.Put(addr1, key1, linkkey.TypeCombination))
	s.Require().NoError(s.store.Put(addr1, key2, linkkey.TypeUnauthenticatedP192))

	s.Equal(1, s.store.Len(), "MUST NOT keep duplicate entries")
	key, typ, err := s.store.Get(addr1)
	s.Require().NoError(err)
	s.Equal(key2, key)
	s.Equal(linkkey.TypeUnauthenticatedP192, typ)

	doc, err := s.holder.Get(settings.KeyLinkKeys)
	s.Require().NoError(err)
	var records []map[string]any
	s.Require().NoError(json.Unmarshal([]byte(doc), &records))
	s.Len(records, 1, "persisted document MUST hold one record per address")
}

func (s *StoreTestSuite) TestPersistedDocument() {
	s.Require().NoError(s.store.Put(addr2, key1, linkkey.TypeAuthenticatedP192))

	doc, err := s.holder.Get(settings.KeyLinkKeys)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(doc,
		`[{"bd_addr":"AA:BB:CC:DD:EE:FF","link_key":"0102030405060708090a0b0c0d0e0f10","type":5}]`)

	reopened := linkkey.NewStore(s.holder, s.helper.Logger)
	s.Require().NoError(reopened.Open())
	key, _, err := reopened.Get(addr2)
	s.Require().NoError(err)
	s.Equal(key1, key, "keys MUST survive reopening")
}

func (s *StoreTestSuite) TestMalformedRecordsSkipped() {
	s.Require().NoError(s.holder.Set(settings.KeyLinkKeys,
		`[{"bd_addr":"bad","link_key":"00","type":0},{"bd_addr":"11:22:33:44:55:66","link_key":"0102030405060708090a0b0c0d0e0f10","type":4}]`))

	store := linkkey.NewStore(s.holder, s.helper.Logger)
	s.Require().NoError(store.Open())
	s.Equal(1, store.Len())

	s.Require().NoError(s.holder.Set(settings.KeyLinkKeys, `not json`))
	s.NoError(store.Open(), "malformed document MUST NOT fail open")
	s.Zero(store.Len())
}

func (s *StoreTestSuite) TestClosedStore() {
	s.store.Close()
	_, _, err := s.store.Get(addr1)
	s.ErrorIs(err, linkkey.ErrNotOpen)
	s.ErrorIs(s.store.Put(addr1, key1, linkkey.TypeCombination), linkkey.ErrNotOpen)
}

func (s *StoreTestSuite) TestIteratorIsEmpty() {
	s.Require().NoError(s.store.Put(addr1, key1, linkkey.TypeCombination))
	it := s.store.Iterator()
	_, _, _, ok := it.Next()
	s.False(ok, "iterator MUST yield nothing")
	it.Done()
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
