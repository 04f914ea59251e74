package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type AttributeCacheTestSuite struct {
	suite.Suite

	cache *AttributeCache
}

func TestAttributeCacheTestSuite(t *testing.T) {
	suite.Run(t, new(AttributeCacheTestSuite))
}

func (suite *AttributeCacheTestSuite) SetupTest() {
	suite.cache = NewAttributeCache()
}

func (suite *AttributeCacheTestSuite) addHeartRateLayout() (*GattService, *GattCharacteristic) {
	svc := suite.cache.AddService(ServiceInfo{ID: "svc1", UUID: MustUUID("180d"), Primary: true})
	ch := suite.cache.AddCharacteristic("svc1", CharacteristicInfo{
		ID:         "chr1",
		UUID:       MustUUID("2a37"),
		Properties: PropertyNotify,
	})
	return svc, ch
}

func (suite *AttributeCacheTestSuite) TestAddsAreIdempotent() {
	// GOAL: Verify replayed enumerations do not duplicate attributes
	//
	// TEST SCENARIO: Add the same service, characteristic and descriptor
	// twice → same pointers back → counts stay at one

	svc, ch := suite.addHeartRateLayout()
	d := suite.cache.AddDescriptor("svc1", "chr1", DescriptorInfo{ID: "dsc1", UUID: MustUUID("2902")})
	suite.Require().NotNil(d)

	suite.Assert().Same(svc, suite.cache.AddService(ServiceInfo{ID: "svc1", UUID: MustUUID("180d")}),
		"duplicate service add MUST return the existing entry")
	suite.Assert().Same(ch, suite.cache.AddCharacteristic("svc1", CharacteristicInfo{ID: "chr1"}),
		"duplicate characteristic add MUST return the existing entry")
	suite.Assert().Same(d, suite.cache.AddDescriptor("svc1", "chr1", DescriptorInfo{ID: "dsc1"}),
		"duplicate descriptor add MUST return the existing entry")

	suite.Assert().Len(suite.cache.Services(), 1, "service count MUST stay at one")
	suite.Assert().Len(svc.Characteristics(), 1, "characteristic count MUST stay at one")
	suite.Assert().Len(ch.Descriptors(), 1, "descriptor count MUST stay at one")
}

func (suite *AttributeCacheTestSuite) TestUnknownParentsReturnNil() {
	// GOAL: Verify adds under missing parents are rejected, not auto-created
	//
	// TEST SCENARIO: Characteristic under unknown service, descriptor under
	// unknown characteristic → nil → cache unchanged

	suite.Assert().Nil(suite.cache.AddCharacteristic("ghost", CharacteristicInfo{ID: "chr1"}),
		"characteristic under unknown service MUST be rejected")
	suite.addHeartRateLayout()
	suite.Assert().Nil(suite.cache.AddDescriptor("svc1", "ghost", DescriptorInfo{ID: "dsc1"}),
		"descriptor under unknown characteristic MUST be rejected")
}

func (suite *AttributeCacheTestSuite) TestDiscoveryCompleteFlipsExactlyOnce() {
	// GOAL: Verify the completion flag latches on the first call and marks
	// every known service
	//
	// TEST SCENARIO: Mark complete twice → first call reports the flip,
	// second does not → all services carry the flag

	svc, _ := suite.addHeartRateLayout()
	suite.Require().False(svc.DiscoveryComplete(), "services MUST start incomplete")

	suite.Assert().True(suite.cache.MarkDiscoveryComplete(), "first call MUST flip")
	suite.Assert().False(suite.cache.MarkDiscoveryComplete(), "second call MUST be a no-op")
	suite.Assert().True(suite.cache.Complete())
	suite.Assert().True(svc.DiscoveryComplete(), "existing services MUST be marked")

	late := suite.cache.AddService(ServiceInfo{ID: "svc2", UUID: MustUUID("180f"), Primary: true})
	suite.Assert().True(late.DiscoveryComplete(),
		"services surfacing after completion MUST be final as given")
}

func (suite *AttributeCacheTestSuite) TestLookupsAndValueTracking() {
	// GOAL: Verify ID lookups resolve owning parents and value updates land
	// on the right characteristic
	//
	// TEST SCENARIO: Resolve by service and characteristic ID → owning
	// service returned → SetCharacteristicValue stores a copy

	svc, ch := suite.addHeartRateLayout()

	suite.Assert().Same(svc, suite.cache.ServiceByID("svc1"))
	owner, got := suite.cache.CharacteristicByID("chr1")
	suite.Assert().Same(svc, owner, "lookup MUST return the owning service")
	suite.Assert().Same(ch, got)

	suite.Assert().Nil(suite.cache.ServiceByID("ghost"))
	_, missing := suite.cache.CharacteristicByID("ghost")
	suite.Assert().Nil(missing)

	updated := suite.cache.SetCharacteristicValue("chr1", []byte{0x06, 0x48})
	suite.Require().Same(ch, updated)
	suite.Assert().Equal([]byte{0x06, 0x48}, ch.Value(), "value MUST be recorded")
	suite.Assert().Nil(suite.cache.SetCharacteristicValue("ghost", []byte{1}),
		"value update for unknown characteristic MUST be rejected")
}

func (suite *AttributeCacheTestSuite) TestPrimaryServicesFilter() {
	// GOAL: Verify PrimaryServices hides included (secondary) services
	//
	// TEST SCENARIO: One primary and one secondary service → only the
	// primary listed → Services lists both in discovery order

	suite.cache.AddService(ServiceInfo{ID: "svc1", UUID: MustUUID("180d"), Primary: true})
	suite.cache.AddService(ServiceInfo{ID: "svc2", UUID: MustUUID("180f"), Primary: false})

	suite.Assert().Len(suite.cache.Services(), 2)
	primaries := suite.cache.PrimaryServices()
	suite.Require().Len(primaries, 1, "secondary services MUST be hidden")
	suite.Assert().Equal("svc1", primaries[0].ID())
}

func (suite *AttributeCacheTestSuite) TestPropertiesFromFlags() {
	// GOAL: Verify daemon flag strings decode into the property bitmask
	//
	// TEST SCENARIO: Known flags plus an unknown one → known bits set →
	// unknown flag ignored

	props := PropertiesFromFlags([]string{"read", "write", "notify", "custom-vendor-flag"})
	suite.Assert().True(props.Has(PropertyRead))
	suite.Assert().True(props.Has(PropertyWrite))
	suite.Assert().True(props.Has(PropertyNotify))
	suite.Assert().False(props.Has(PropertyIndicate), "unset flags MUST stay clear")

	suite.Assert().False(props.Has(PropertyRead|PropertyIndicate),
		"Has MUST require every bit of the mask")
	suite.Assert().True(props.HasAny(PropertyRead|PropertyIndicate),
		"HasAny MUST accept one overlapping bit")
	suite.Assert().False(props.HasAny(PropertyIndicate|PropertyBroadcast),
		"HasAny MUST reject a fully disjoint mask")
}
