package codegen

import (
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/device"
)

func newTestDeviceManager() (*device.Manager, *cudriver.SimDriver) {
	driver := cudriver.NewSimDriver(cudriver.DefaultSimConfig())
	mgr, err := device.NewManager(driver, common.DeviceConfig{})
	Ω(err).Should(BeNil())
	return mgr, driver
}

var _ = ginkgo.Describe("PTX emission", func() {
	ginkgo.It("renders the version, target and runtime declarations", func() {
		m, state := buildRowLoopModule()
		ptx := string(EmitPTX(m, state, device.ArchTuring, ""))

		Ω(ptx).Should(ContainSubstring(".version 8.3"))
		Ω(ptx).Should(ContainSubstring(".target sm_75"))
		Ω(ptx).Should(ContainSubstring(".address_size 64"))
		Ω(ptx).Should(ContainSubstring("declare i32 @record_error_code(i32)"))
		Ω(ptx).Should(ContainSubstring("declare i64 @translate_null_key_i64(i64, i64, i64)"))
		Ω(ptx).Should(ContainSubstring("@query_func"))
		Ω(ptx).Should(ContainSubstring("@row_func"))
	})

	ginkgo.It("restricts the rendered body to the compilation roots", func() {
		m, state := buildRowLoopModule()
		Ω(m.AddFunction(singleRetFunction("stale_subprogram"))).Should(BeNil())
		ptx := string(EmitPTX(m, state, device.ArchTuring, ""))
		Ω(ptx).ShouldNot(ContainSubstring("stale_subprogram"))
	})

	ginkgo.It("appends user defined declarations", func() {
		m, state := buildRowLoopModule()
		ptx := string(EmitPTX(m, state, device.ArchTuring, "declare i64 @my_udf(i64)\n"))
		Ω(ptx).Should(ContainSubstring("declare i64 @my_udf(i64)"))
	})
})

var _ = ginkgo.Describe("GPU compilation", func() {
	ginkgo.It("uploads the artifact to the target devices", func() {
		mgr, driver := newTestDeviceManager()
		defer mgr.Close()

		_, state := buildRowLoopModule()
		ctx, err := CompileGPU(state, CompileOptions{}, mgr, []int{0}, NewCodeCache(16, 0.3), "")
		Ω(err).Should(BeNil())
		Ω(ctx.Entry()).Should(Equal("query_func"))
		Ω(string(ctx.PTX())).Should(ContainSubstring(".target sm_75"))

		module, ok := ctx.ModuleFor(0)
		Ω(ok).Should(BeTrue())
		Ω(driver.ModuleImage(module)).Should(Equal(ctx.PTX()))

		ctx.Unload()
		_, ok = ctx.ModuleFor(0)
		Ω(ok).Should(BeFalse())
	})

	ginkgo.It("annotates the query function as a kernel", func() {
		mgr, _ := newTestDeviceManager()
		defer mgr.Close()

		_, state := buildRowLoopModule()
		ctx, err := CompileGPU(state, CompileOptions{}, mgr, []int{0}, nil, "")
		Ω(err).Should(BeNil())
		Ω(string(ctx.PTX())).Should(ContainSubstring("!nvvm.annotations = @query_func kernel"))
	})

	ginkgo.It("evicts a cache fraction and retries once on device OOM", func() {
		mgr, driver := newTestDeviceManager()
		defer mgr.Close()

		cache := NewCodeCache(16, 0.3)
		for i := 0; i < 10; i++ {
			cache.Put(uint32(i), NewArtifact([]byte("x"), nil))
		}

		driver.FailNext("cuModuleLoadData", cudriver.ErrorOutOfMemory)
		_, state := buildRowLoopModule()
		ctx, err := CompileGPU(state, CompileOptions{}, mgr, []int{0}, cache, "")
		Ω(err).Should(BeNil())
		_, ok := ctx.ModuleFor(0)
		Ω(ok).Should(BeTrue())
		// ceil(10 * 0.3) entries were evicted before the retry
		Ω(cache.Size()).Should(Equal(7))
	})

	ginkgo.It("propagates device OOM when there is no cache to evict", func() {
		mgr, driver := newTestDeviceManager()
		defer mgr.Close()

		driver.FailNext("cuModuleLoadData", cudriver.ErrorOutOfMemory)
		_, state := buildRowLoopModule()
		_, err := CompileGPU(state, CompileOptions{}, mgr, []int{0}, nil, "")
		Ω(err).ShouldNot(BeNil())
		Ω(cudriver.IsOutOfMemory(err)).Should(BeTrue())
	})

	ginkgo.It("does not evict on non-OOM upload failures", func() {
		mgr, driver := newTestDeviceManager()
		defer mgr.Close()

		cache := NewCodeCache(16, 0.3)
		for i := 0; i < 10; i++ {
			cache.Put(uint32(i), NewArtifact([]byte("x"), nil))
		}

		driver.FailNext("cuModuleLoadData", cudriver.ErrorUnknown)
		_, state := buildRowLoopModule()
		_, err := CompileGPU(state, CompileOptions{}, mgr, []int{0}, cache, "")
		Ω(err).ShouldNot(BeNil())
		Ω(cache.Size()).Should(Equal(10))
	})
})
