package hwdb_test

import (
	"context"
	"fmt"

	"github.com/abejgonzalez/firesim/common/hwdb"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeResolver struct {
	quintuplets map[string]string
	calls       int
}

func (f *fakeResolver) DeployQuintupletForAGFI(_ context.Context, agfi string) (string, error) {
	f.calls++
	quintuplet, ok := f.quintuplets[agfi]
	if !ok {
		return "", fmt.Errorf("no FPGA image found for AGFI %s", agfi)
	}
	return quintuplet, nil
}

var _ = Describe("RuntimeHWDB", func() {
	yamlDB := []byte(`
firesim_rocket_quadcore_nic_l2_llc4mb_ddr3:
  agfi: agfi-0123456789abcdef0
  deploy_quintuplet_override: null
  custom_runtime_config: null
alveo_u250_firesim_rocket_singlecore_no_nic:
  bitstream_tar: https://example.com/firesim.tar.gz
  driver_tar: s3://firesim-bitstreams/u250/driver-bundle.tar.gz
`)

	It("should load entries and look them up by name", func() {
		db, err := hwdb.ParseRuntimeHWDB(yamlDB, "config_hwdb.yaml")
		Expect(err).To(BeNil())
		Expect(db.Names()).To(Equal([]string{
			"alveo_u250_firesim_rocket_singlecore_no_nic",
			"firesim_rocket_quadcore_nic_l2_llc4mb_ddr3",
		}))

		conf, err := db.Get("firesim_rocket_quadcore_nic_l2_llc4mb_ddr3")
		Expect(err).To(BeNil())
		Expect(conf.AGFI).To(Equal("agfi-0123456789abcdef0"))
		Expect(conf.Platform).To(Equal(hwdb.PlatformF1))
	})

	It("should reject unknown entry names with the config file in the error", func() {
		db, err := hwdb.ParseRuntimeHWDB(yamlDB, "config_hwdb.yaml")
		Expect(err).To(BeNil())

		_, err = db.Get("nosuchentry")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("nosuchentry"))
		Expect(err.Error()).To(ContainSubstring("config_hwdb.yaml"))
	})

	It("should reject entries setting both agfi and bitstream_tar", func() {
		bad := []byte(`
broken:
  agfi: agfi-0123456789abcdef0
  bitstream_tar: /scratch/firesim.tar.gz
`)
		_, err := hwdb.ParseRuntimeHWDB(bad, "config_hwdb.yaml")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("exactly one"))
	})

	It("should reject entries setting neither agfi nor bitstream_tar", func() {
		bad := []byte(`
broken:
  custom_runtime_config: myconf.conf
`)
		_, err := hwdb.ParseRuntimeHWDB(bad, "config_hwdb.yaml")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RuntimeHWConfig", func() {
	Context("deploy quintuplet resolution", func() {
		var (
			db       *hwdb.RuntimeHWDB
			resolver *fakeResolver
		)

		BeforeEach(func() {
			var err error
			db, err = hwdb.ParseRuntimeHWDB([]byte(`
quadcore:
  agfi: agfi-0123456789abcdef0
`), "config_hwdb.yaml")
			Expect(err).To(BeNil())

			resolver = &fakeResolver{quintuplets: map[string]string{
				"agfi-0123456789abcdef0": "f1-firesim-FireSim-FourCoreConfig-BaseF1Config",
			}}
		})

		It("should resolve the quintuplet from the AGFI exactly once", func() {
			conf, err := db.Get("quadcore")
			Expect(err).To(BeNil())

			quintuplet, err := conf.DeployQuintuplet(context.Background(), resolver)
			Expect(err).To(BeNil())
			Expect(quintuplet).To(Equal("f1-firesim-FireSim-FourCoreConfig-BaseF1Config"))

			_, err = conf.DeployQuintuplet(context.Background(), resolver)
			Expect(err).To(BeNil())
			Expect(resolver.calls).To(Equal(1))
		})

		It("should derive the design and driver binary names", func() {
			conf, err := db.Get("quadcore")
			Expect(err).To(BeNil())

			design, err := conf.DesignName(context.Background(), resolver)
			Expect(err).To(BeNil())
			Expect(design).To(Equal("FireSim"))

			driver, err := conf.DriverBinaryName(context.Background(), resolver)
			Expect(err).To(BeNil())
			Expect(driver).To(Equal("FireSim-f1"))
		})
	})

	It("should honor a deploy quintuplet override without touching the resolver", func() {
		db, err := hwdb.ParseRuntimeHWDB([]byte(`
overridden:
  agfi: agfi-0123456789abcdef0
  deploy_quintuplet_override: f1-firesim-FireSim-SingleCoreConfig-BaseF1Config
`), "config_hwdb.yaml")
		Expect(err).To(BeNil())

		conf, err := db.Get("overridden")
		Expect(err).To(BeNil())

		resolver := &fakeResolver{}
		quintuplet, err := conf.DeployQuintuplet(context.Background(), resolver)
		Expect(err).To(BeNil())
		Expect(quintuplet).To(Equal("f1-firesim-FireSim-SingleCoreConfig-BaseF1Config"))
		Expect(resolver.calls).To(Equal(0))
	})

	It("should reject conflicting platform assignments", func() {
		db, err := hwdb.ParseRuntimeHWDB([]byte(`
quadcore:
  agfi: agfi-0123456789abcdef0
`), "config_hwdb.yaml")
		Expect(err).To(BeNil())

		conf, err := db.Get("quadcore")
		Expect(err).To(BeNil())
		Expect(conf.SetPlatform("f1")).To(BeNil())
		Expect(conf.SetPlatform("vitis")).To(HaveOccurred())
	})
})
